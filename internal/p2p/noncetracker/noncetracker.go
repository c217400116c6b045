// Package noncetracker is the persistent replay-defense nonce tracker
// shared by the P2P gossip auth envelope (spec.md §4.8) and the PoSe
// replay registry (spec.md §4.11 step 8): an LRU-bounded, TTL-pruned set of
// fingerprints backed by an append-then-compact on-disk journal.
//
// Grounded on the teacher's github.com/hashicorp/golang-lru/v2 dependency
// (listed, unconsumed, in the copied tree) plus the append-only journal
// idiom named in spec.md §6 (pending-receipts.jsonl, used-nonces.log).
package noncetracker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "noncetracker")

// entry is one journal line: a fingerprint and the wall-clock time it was
// first consumed.
type entry struct {
	Fingerprint string `json:"fp"`
	AtMs        int64  `json:"at"`
}

// Config are the spec.md §6 auth-nonce tunables.
type Config struct {
	TTL      time.Duration
	MaxItems int

	// JournalPath persists consumed fingerprints across restarts. Empty
	// disables persistence (in-memory only, used by tests).
	JournalPath string
}

func (c Config) withDefaults() Config {
	if c.TTL == 0 {
		c.TTL = 24 * time.Hour
	}
	if c.MaxItems == 0 {
		c.MaxItems = 100_000
	}
	return c
}

// Tracker answers "has this fingerprint already been consumed" with LRU
// eviction, TTL pruning, and append-then-compact persistence (spec.md
// §4.8, §4.11 step 8).
type Tracker struct {
	mu  sync.Mutex
	cfg Config

	cache *lru.Cache[string, int64] // fingerprint -> firstSeenMs

	journal *os.File
	writes  int // lines appended since last compaction
}

// Open constructs a Tracker, replaying cfg.JournalPath if set.
func Open(cfg Config) (*Tracker, error) {
	cfg = cfg.withDefaults()
	cache, err := lru.New[string, int64](cfg.MaxItems)
	if err != nil {
		return nil, fmt.Errorf("noncetracker: new lru: %w", err)
	}
	t := &Tracker{cfg: cfg, cache: cache}
	if cfg.JournalPath != "" {
		if err := t.replay(); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(cfg.JournalPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("noncetracker: open journal: %w", err)
		}
		t.journal = f
	}
	return t, nil
}

func (t *Tracker) replay() error {
	f, err := os.Open(t.cfg.JournalPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("noncetracker: replay: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue // tolerate a torn trailing line after a crash
		}
		t.cache.Add(e.Fingerprint, e.AtMs)
	}
	return sc.Err()
}

// Close releases the journal file handle, on every exit path (spec.md §9:
// "scoped acquisitions ... must release on all exit paths").
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.journal == nil {
		return nil
	}
	return t.journal.Close()
}

// Consume reports whether fingerprint is new (true) or a replay (false),
// recording it as consumed either way it was not already present. Entries
// older than TTL are treated as absent and re-accepted (spec.md §8: "after
// TTL elapses, the same nonce is accepted again").
func (t *Tracker) Consume(fingerprint string, nowMs int64) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if seenAt, ok := t.cache.Get(fingerprint); ok {
		if nowMs-seenAt < t.cfg.TTL.Milliseconds() {
			return false, nil
		}
		t.cache.Remove(fingerprint)
	}
	t.cache.Add(fingerprint, nowMs)
	if err := t.appendLocked(fingerprint, nowMs); err != nil {
		return false, err
	}
	return true, nil
}

// Seen reports whether fingerprint is currently tracked as unexpired,
// without consuming it.
func (t *Tracker) Seen(fingerprint string, nowMs int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	seenAt, ok := t.cache.Get(fingerprint)
	if !ok {
		return false
	}
	return nowMs-seenAt < t.cfg.TTL.Milliseconds()
}

func (t *Tracker) appendLocked(fingerprint string, atMs int64) error {
	if t.journal == nil {
		return nil
	}
	raw, err := json.Marshal(entry{Fingerprint: fingerprint, AtMs: atMs})
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	if _, err := t.journal.Write(raw); err != nil {
		return fmt.Errorf("noncetracker: append journal: %w", err)
	}
	t.writes++
	if t.writes >= 10_000 {
		if err := t.compactLocked(); err != nil {
			log.WithError(err).Warn("noncetracker: compaction failed, continuing uncompacted")
		}
	}
	return nil
}

// compactLocked rewrites the journal from the current in-memory cache, so
// only the LRU-retained entries survive; entries past their TTL are written
// too (Consume and Seen treat them as absent). Called with mu held.
func (t *Tracker) compactLocked() error {
	if t.journal == nil {
		return nil
	}
	tmpPath := t.cfg.JournalPath + ".compact"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("noncetracker: compact: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, fp := range t.cache.Keys() {
		atMs, ok := t.cache.Peek(fp)
		if !ok {
			continue
		}
		raw, err := json.Marshal(entry{Fingerprint: fp, AtMs: atMs})
		if err != nil {
			continue
		}
		w.Write(raw)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("noncetracker: compact flush: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("noncetracker: compact close: %w", err)
	}
	if err := t.journal.Close(); err != nil {
		return fmt.Errorf("noncetracker: compact: close old journal: %w", err)
	}
	if err := os.Rename(tmpPath, t.cfg.JournalPath); err != nil {
		return fmt.Errorf("noncetracker: compact rename: %w", err)
	}
	nf, err := os.OpenFile(t.cfg.JournalPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("noncetracker: compact: reopen journal: %w", err)
	}
	t.journal = nf
	t.writes = 0
	return nil
}

// Len reports the number of tracked fingerprints (tests, metrics).
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache.Len()
}
