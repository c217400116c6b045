package p2p

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	"coc-node/internal/p2p/discovery"
)

// broadcastTimeout bounds every outbound delivery attempt (spec.md §5:
// "timeouts on outbound sockets are mandatory").
const broadcastTimeout = 5 * time.Second

// Broadcaster fans a payload out to every known peer with a concurrency
// cap, a bounded per-peer dedup set, and reputation feedback on the
// discovery scoreboard (spec.md §4.8 "Egress broadcast").
type Broadcaster struct {
	concurrency int
	client      *http.Client
	disc        *discovery.Discovery

	mu         sync.Mutex
	perPeerSeen map[string]*dedupSet
}

// NewBroadcaster constructs a Broadcaster with the spec.md §6
// broadcast_concurrency tunable.
func NewBroadcaster(concurrency int, disc *discovery.Discovery) *Broadcaster {
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Broadcaster{
		concurrency: concurrency,
		client:      &http.Client{Timeout: broadcastTimeout},
		disc:        disc,
		perPeerSeen: make(map[string]*dedupSet),
	}
}

func (b *Broadcaster) seenSetFor(peerID string) *dedupSet {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.perPeerSeen[peerID]
	if !ok {
		s = newDedupSet(4096)
		b.perPeerSeen[peerID] = s
	}
	return s
}

// Broadcast delivers body to path on every known peer, at most
// b.concurrency in flight at once. A peer that has already been sent this
// exact fingerprint is skipped (spec.md §4.8: "per-peer dedup set of
// message fingerprints with bounded size"). Broadcast blocks until every
// delivery in this batch has completed or timed out, matching the "must
// complete before the next broadcast of the same fingerprint to the same
// peer" invariant: callers should not re-invoke Broadcast for the same
// fingerprint until this call returns.
func (b *Broadcaster) Broadcast(path, fingerprint string, body []byte) {
	if b.disc == nil {
		return
	}
	peers := b.disc.AllKnown()
	sem := make(chan struct{}, b.concurrency)
	var wg sync.WaitGroup
	for _, p := range peers {
		if b.disc.Scores.IsBanned(p.ID, time.Now()) {
			continue
		}
		if b.seenSetFor(p.ID).SeenOrAdd(fingerprint) {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(peer discovery.Peer) {
			defer wg.Done()
			defer func() { <-sem }()
			b.deliver(peer, path, body)
		}(p)
	}
	wg.Wait()
}

func (b *Broadcaster) deliver(peer discovery.Peer, path string, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), broadcastTimeout)
	defer cancel()
	url := peer.URL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		b.disc.Scores.RecordFailure(peer.ID, time.Now())
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		log.WithError(err).WithField("peer", peer.ID).Debug("p2p: broadcast delivery failed")
		b.disc.Scores.RecordTimeout(peer.ID, time.Now())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		b.disc.Scores.RecordSuccess(peer.ID)
		return
	}
	b.disc.Scores.RecordFailure(peer.ID, time.Now())
}
