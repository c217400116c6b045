package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"coc-node/internal/p2p/discovery"
	"coc-node/internal/snapshot"
	"coc-node/internal/types"
)

// clientTimeout bounds every outbound sync-tick call (spec.md §5:
// "timeouts on outbound sockets are mandatory").
const clientTimeout = 10 * time.Second

// Client is the outbound half of the gossip surface: the sync tick's peer
// list/chain-snapshot/state-snapshot pulls, and discovery's PeerFetcher
// (spec.md §4.9: "asks for their peer list").
type Client struct {
	http *http.Client
}

// NewClient constructs a Client with the mandatory outbound timeout.
func NewClient() *Client {
	return &Client{http: &http.Client{Timeout: clientTimeout}}
}

type peersResponse struct {
	Peers []discovery.Peer `json:"peers"`
}

// FetchPeers implements discovery.PeerFetcher.
func (c *Client) FetchPeers(peer discovery.Peer) ([]discovery.Peer, error) {
	ctx, cancel := context.WithTimeout(context.Background(), clientTimeout)
	defer cancel()
	var out peersResponse
	if err := c.getJSON(ctx, peer.URL+"/p2p/peers", &out); err != nil {
		return nil, err
	}
	return out.Peers, nil
}

type chainSnapshotResponse struct {
	Blocks []blockWire `json:"blocks"`
}

// FetchChainSnapshot pulls a peer's recent block tail for the sync tick's
// incremental-append path (spec.md §4.4 maybeAdoptSnapshot).
func (c *Client) FetchChainSnapshot(ctx context.Context, peer discovery.Peer, maxBlocks int) ([]*types.ChainBlock, error) {
	url := fmt.Sprintf("%s/p2p/chain-snapshot?maxBlocks=%d", peer.URL, maxBlocks)
	var out chainSnapshotResponse
	if err := c.getJSON(ctx, url, &out); err != nil {
		return nil, err
	}
	blocks := make([]*types.ChainBlock, len(out.Blocks))
	for i, w := range out.Blocks {
		b, err := fromBlockWire(w)
		if err != nil {
			return nil, fmt.Errorf("p2p: client: chain snapshot block %d: %w", i, err)
		}
		blocks[i] = b
	}
	return blocks, nil
}

// FetchStateSnapshot pulls a peer's exported state for the sync tick's
// fast-path (spec.md §4.4's "triggers a state snapshot fast-path").
func (c *Client) FetchStateSnapshot(ctx context.Context, peer discovery.Peer) (snapshot.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, peer.URL+"/p2p/state-snapshot", nil)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("p2p: client: state snapshot: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return snapshot.Snapshot{}, fmt.Errorf("p2p: client: state snapshot: status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	return snapshot.Unmarshal(raw)
}

// NodeHeight is the shape of a peer's /p2p/node-info response the sync
// tick needs both to decide whether to pull anything and to run a
// forkchoice comparison against a competing tip at the same height.
type NodeHeight struct {
	Height           uint64 `json:"height"`
	TipHash          string `json:"tipHash"`
	BftFinalized     bool   `json:"bftFinalized"`
	CumulativeWeight string `json:"cumulativeWeight"`
}

// FetchNodeInfo reports a peer's current chain height.
func (c *Client) FetchNodeInfo(ctx context.Context, peer discovery.Peer) (NodeHeight, error) {
	var out NodeHeight
	if err := c.getJSON(ctx, peer.URL+"/p2p/node-info", &out); err != nil {
		return NodeHeight{}, err
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("p2p: client: get %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("p2p: client: get %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
