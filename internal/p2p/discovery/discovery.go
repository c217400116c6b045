// Package discovery implements peer discovery, reputation scoring, and DNS
// seed resolution (spec.md §4.9). Grounded on the teacher's
// core/peer_management.go discovery helpers and core/network.go's
// NAT/mDNS bootstrap wiring, extended with the spec's quarantine/scoring/
// ban state machine and RFC-1918/SSRF-aware filtering the teacher's local
// mDNS discovery never needed.
package discovery

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "discovery")

// Peer is a known remote node.
type Peer struct {
	ID  string
	URL string
}

var idPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// IdentityVerifier challenges a quarantined peer to sign a nonce and
// reports whether the response matches the claimed id (spec.md §4.9:
// "must successfully answer an identity-proof challenge before
// promotion").
type IdentityVerifier interface {
	VerifyIdentity(peer Peer) bool
}

// Config are the spec.md §6 discovery tunables.
type Config struct {
	MaxPeers            int
	MaxPeersPerIP       int
	DiscoveryInterval   time.Duration
	RejectPrivateHosts  bool // RFC-1918/loopback/link-local/cloud-metadata
	BootstrapPeers      []Peer
	SelfID              string
}

func (c Config) withDefaults() Config {
	if c.MaxPeers == 0 {
		c.MaxPeers = 50
	}
	if c.MaxPeersPerIP == 0 {
		c.MaxPeersPerIP = 3
	}
	if c.DiscoveryInterval == 0 {
		c.DiscoveryInterval = 30 * time.Second
	}
	return c
}

// PeerFetcher asks a remote peer for its known peer list (implemented by
// the P2P HTTP client).
type PeerFetcher func(peer Peer) ([]Peer, error)

// Discovery holds known peers plus a quarantine of unverified discoveries
// (spec.md §4.9).
type Discovery struct {
	mu sync.Mutex

	cfg      Config
	verifier IdentityVerifier
	fetch    PeerFetcher

	known      map[string]Peer
	quarantine map[string]Peer
	perIP      map[string]int

	Scores *Scoreboard
}

// New constructs a Discovery, seeding static bootstrap peers (spec.md
// §4.9: "Static bootstrap peers are seeded at construction").
func New(cfg Config, verifier IdentityVerifier, fetch PeerFetcher) *Discovery {
	cfg = cfg.withDefaults()
	d := &Discovery{
		cfg: cfg, verifier: verifier, fetch: fetch,
		known:      make(map[string]Peer),
		quarantine: make(map[string]Peer),
		perIP:      make(map[string]int),
		Scores:     newScoreboard(),
	}
	for _, p := range cfg.BootstrapPeers {
		d.known[p.ID] = p
		d.perIP[hostOf(p.URL)]++
	}
	return d
}

// Peers returns a snapshot of known peers, capped to 20 (spec.md §4.8 GET
// /p2p/peers: "Known peers, capped to 20").
func (d *Discovery) Peers() []Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Peer, 0, len(d.known))
	for _, p := range d.known {
		out = append(out, p)
		if len(out) >= 20 {
			break
		}
	}
	return out
}

// AllKnown returns every known peer, uncapped (internal use: sampling,
// broadcast fan-out).
func (d *Discovery) AllKnown() []Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Peer, 0, len(d.known))
	for _, p := range d.known {
		out = append(out, p)
	}
	return out
}

// Filter validates a candidate peer against every admission rule (spec.md
// §4.9: "valid id pattern, http(s) URL, not self, not duplicate, not over
// MAX_PEERS_PER_IP, not on a blocked SSRF target").
func (d *Discovery) Filter(p Peer) error {
	if !idPattern.MatchString(p.ID) {
		return fmt.Errorf("discovery: invalid peer id %q", p.ID)
	}
	u, err := url.Parse(p.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("discovery: invalid peer url %q", p.URL)
	}
	if p.ID == d.cfg.SelfID {
		return fmt.Errorf("discovery: self")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.known[p.ID]; ok {
		return fmt.Errorf("discovery: duplicate peer %q", p.ID)
	}
	if _, ok := d.quarantine[p.ID]; ok {
		return fmt.Errorf("discovery: already quarantined %q", p.ID)
	}
	host := hostOf(p.URL)
	if d.cfg.RejectPrivateHosts && isBlockedHost(host) {
		return fmt.Errorf("discovery: rejected private/SSRF target %q", host)
	}
	if d.perIP[host] >= d.cfg.MaxPeersPerIP {
		return fmt.Errorf("discovery: max peers per ip reached for %q", host)
	}
	if len(d.known)+len(d.quarantine) >= d.cfg.MaxPeers {
		return fmt.Errorf("discovery: max peers reached")
	}
	return nil
}

// Consider filters and, if it passes, either promotes p directly (no
// verifier attached) or quarantines it pending identity verification
// (spec.md §4.9).
func (d *Discovery) Consider(p Peer) error {
	if err := d.Filter(p); err != nil {
		return err
	}
	if d.verifier == nil {
		d.promote(p)
		return nil
	}
	d.mu.Lock()
	d.quarantine[p.ID] = p
	d.mu.Unlock()
	return nil
}

func (d *Discovery) promote(p Peer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.known[p.ID] = p
	d.perIP[hostOf(p.URL)]++
}

// VerifyQuarantine attempts to promote every quarantined peer that answers
// the identity challenge successfully (spec.md §4.9).
func (d *Discovery) VerifyQuarantine() {
	if d.verifier == nil {
		return
	}
	d.mu.Lock()
	pending := make([]Peer, 0, len(d.quarantine))
	for _, p := range d.quarantine {
		pending = append(pending, p)
	}
	d.mu.Unlock()

	for _, p := range pending {
		if d.verifier.VerifyIdentity(p) {
			d.mu.Lock()
			delete(d.quarantine, p.ID)
			d.mu.Unlock()
			d.promote(p)
		}
	}
}

// Tick samples up to three active peers and asks each for its peer list,
// filtering and considering the results (spec.md §4.9: "A discovery tick
// every discoveryIntervalMs samples up to three active peers").
func (d *Discovery) Tick() {
	now := time.Now()
	d.Scores.Decay(now)
	d.VerifyQuarantine()

	if d.fetch == nil {
		return
	}
	sample := d.sampleActive(3)
	for _, p := range sample {
		peers, err := d.fetch(p)
		if err != nil {
			d.Scores.RecordTimeout(p.ID, now)
			continue
		}
		d.Scores.RecordSuccess(p.ID)
		for _, candidate := range peers {
			if err := d.Consider(candidate); err != nil {
				log.WithError(err).Debug("discovery: candidate rejected")
			}
		}
	}
}

func (d *Discovery) sampleActive(n int) []Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Peer, 0, n)
	for _, p := range d.known {
		if d.Scores.IsBanned(p.ID, time.Now()) {
			continue
		}
		out = append(out, p)
		if len(out) >= n {
			break
		}
	}
	return out
}

// Remove drops a peer from the known set (e.g. after persistent failures).
func (d *Discovery) Remove(peerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.known[peerID]; ok {
		d.perIP[hostOf(p.URL)]--
		delete(d.known, peerID)
	}
}

func hostOf(rawurl string) string {
	u, err := url.Parse(rawurl)
	if err != nil {
		return rawurl
	}
	host := u.Hostname()
	return host
}

// isBlockedHost rejects loopback, link-local, RFC-1918 private ranges, and
// the well-known cloud metadata address (spec.md §4.9 "SSRF target").
func isBlockedHost(host string) bool {
	if host == "metadata.google.internal" || host == "169.254.169.254" {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		// Not a literal IP (a DNS name): resolved at connection time by
		// the HTTP client; nothing further to check here.
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil {
		switch {
		case ip4[0] == 10:
			return true
		case ip4[0] == 172 && ip4[1] >= 16 && ip4[1] <= 31:
			return true
		case ip4[0] == 192 && ip4[1] == 168:
			return true
		case ip4[0] == 169 && ip4[1] == 254:
			return true
		}
	}
	return false
}
