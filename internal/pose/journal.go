package pose

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"coc-node/internal/types"
)

// verifiedReceipt is one journal line: a verified receipt plus the
// challenge it answers, enough to rebuild a batch leaf later.
type verifiedReceipt struct {
	Challenge *types.Challenge `json:"challenge"`
	Receipt   *types.Receipt   `json:"receipt"`
}

// Journal is the append-only pending-receipts.jsonl store (spec.md §4.11
// step 9, §6 file layout): verified receipts accumulate here until a
// batch rolls them up and Drain atomically empties it.
type Journal struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	pending []verifiedReceipt
}

// OpenJournal opens (or creates) the journal at path and replays any
// entries left over from an unflushed prior run.
func OpenJournal(path string) (*Journal, error) {
	j := &Journal{path: path}
	if path == "" {
		return j, nil
	}
	if err := j.replay(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("pose: journal: open: %w", err)
	}
	j.file = f
	return j, nil
}

func (j *Journal) replay() error {
	f, err := os.Open(j.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("pose: journal: replay: %w", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var vr verifiedReceipt
		if err := json.Unmarshal(sc.Bytes(), &vr); err != nil {
			continue // tolerate a torn trailing line after a crash
		}
		j.pending = append(j.pending, vr)
	}
	return sc.Err()
}

// Append records a verified (challenge, receipt) pair (spec.md §4.11 step
// 9: "append to a persistent pending-receipt journal").
func (j *Journal) Append(challenge *types.Challenge, receipt *types.Receipt) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	vr := verifiedReceipt{Challenge: challenge, Receipt: receipt}
	j.pending = append(j.pending, vr)
	if j.file == nil {
		return nil
	}
	raw, err := json.Marshal(vr)
	if err != nil {
		return fmt.Errorf("pose: journal: marshal: %w", err)
	}
	raw = append(raw, '\n')
	if _, err := j.file.Write(raw); err != nil {
		return fmt.Errorf("pose: journal: append: %w", err)
	}
	return nil
}

// Len reports how many receipts are pending.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pending)
}

// Drain atomically removes and returns every pending receipt, truncating
// the on-disk journal (spec.md §4.11 step 9: "drained atomically on
// flush").
func (j *Journal) Drain() ([]verifiedReceipt, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := j.pending
	j.pending = nil
	if j.file == nil {
		return out, nil
	}
	if err := j.file.Truncate(0); err != nil {
		return out, fmt.Errorf("pose: journal: drain truncate: %w", err)
	}
	if _, err := j.file.Seek(0, 0); err != nil {
		return out, fmt.Errorf("pose: journal: drain seek: %w", err)
	}
	return out, nil
}

// Close releases the journal's file handle on every exit path.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	return j.file.Close()
}
