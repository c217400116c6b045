package pose

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"coc-node/internal/snapshot"
	"coc-node/internal/types"
)

// challengeTimeout bounds every outbound challenge/receipt call, matching
// the p2p broadcaster's "timeouts on outbound sockets are mandatory" rule
// (spec.md §5).
const challengeTimeout = 10 * time.Second

// HTTPTargetClient is the default TargetClient: it posts a challenge to
// "<target base URL>/pose/challenge" and fetches
// "<target base URL>/pose/receipt/<challengeId>" once for the response,
// mirroring the plain request/response shape the p2p gossip surface
// already uses for its own endpoints (spec.md §4.8).
type HTTPTargetClient struct {
	client   *http.Client
	baseURLOf func(target Target) string
}

// NewHTTPTargetClient constructs an HTTPTargetClient. baseURLOf resolves a
// Target to its reachable base URL (typically the discovery peer table).
func NewHTTPTargetClient(baseURLOf func(target Target) string) *HTTPTargetClient {
	return &HTTPTargetClient{
		client:    &http.Client{Timeout: challengeTimeout},
		baseURLOf: baseURLOf,
	}
}

func (c *HTTPTargetClient) PostChallenge(ctx context.Context, target Target, challenge *types.Challenge) error {
	raw, err := json.Marshal(challenge)
	if err != nil {
		return fmt.Errorf("pose: marshal challenge: %w", err)
	}
	url := c.baseURLOf(target) + "/pose/challenge"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("pose: post challenge: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("pose: post challenge: status %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPTargetClient) FetchReceipt(ctx context.Context, target Target, challengeID string) (*types.Receipt, error) {
	url := fmt.Sprintf("%s/pose/receipt/%s", c.baseURLOf(target), challengeID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pose: fetch receipt: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("pose: fetch receipt: status %d", resp.StatusCode)
	}
	var receipt types.Receipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return nil, fmt.Errorf("pose: decode receipt: %w", err)
	}
	return &receipt, nil
}

// rootCacheTTL bounds how long a fetched state-snapshot root is trusted
// before HTTPStorageRootSource fetches it again, mirroring the discovery
// package's DNS-seed TTL cache idiom (internal/p2p/discovery/dnsseed.go).
const rootCacheTTL = 5 * time.Minute

type rootCacheEntry struct {
	root     types.Hash
	expireAt time.Time
}

// HTTPStorageRootSource resolves a storage challenge's expected root by
// fetching the target's own /p2p/state-snapshot endpoint and caching the
// result for rootCacheTTL (spec.md §9 Open Question: "the source accepts
// either a pinned or an inferred root"; this is the inference source the
// agent wires in, grounded on the node's own last advertised state root).
type HTTPStorageRootSource struct {
	client    *http.Client
	baseURLOf func(target Target) string

	mu    sync.Mutex
	cache map[string]rootCacheEntry
}

// NewHTTPStorageRootSource constructs a resolver over the same base-URL
// lookup the target client uses.
func NewHTTPStorageRootSource(baseURLOf func(target Target) string) *HTTPStorageRootSource {
	return &HTTPStorageRootSource{
		client:    &http.Client{Timeout: challengeTimeout},
		baseURLOf: baseURLOf,
		cache:     make(map[string]rootCacheEntry),
	}
}

// Resolve implements StorageRootSource.
func (s *HTTPStorageRootSource) Resolve(nodeID string) (types.Hash, bool) {
	s.mu.Lock()
	if e, ok := s.cache[nodeID]; ok && time.Now().Before(e.expireAt) {
		root := e.root
		s.mu.Unlock()
		return root, true
	}
	s.mu.Unlock()

	url := s.baseURLOf(Target{NodeID: nodeID}) + "/p2p/state-snapshot"
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		return types.Hash{}, false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return types.Hash{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return types.Hash{}, false
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.Hash{}, false
	}
	snap, err := snapshot.Unmarshal(raw)
	if err != nil {
		return types.Hash{}, false
	}

	s.mu.Lock()
	s.cache[nodeID] = rootCacheEntry{root: snap.StateRoot, expireAt: time.Now().Add(rootCacheTTL)}
	s.mu.Unlock()
	return snap.StateRoot, true
}
