package pose

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	"coc-node/internal/stablejson"
	"coc-node/internal/types"
)

// BatchSubmitter is the external PoSe-manager RPC ABI the agent tick
// submits rolled-up batches to (spec.md §1: "the on-chain smart-contract
// bytecode of the PoSe manager (invoked via an RPC ABI)" is an external
// collaborator, stated interface only; §4.11 step 10).
type BatchSubmitter interface {
	SubmitBatch(ctx context.Context, batch types.Batch) error
}

// batchEnvelope is the stable-JSON payload sent as the gRPC request body,
// matching spec.md §6's "all gossip payloads are UTF-8 JSON ... bigints
// rendered as decimal strings" wire convention even over the gRPC
// transport, since no .proto contract for the manager ships in this repo.
type batchEnvelope struct {
	EpochID      uint64       `json:"epochId"`
	MerkleRoot   types.Hash   `json:"merkleRoot"`
	SummaryHash  types.Hash   `json:"summaryHash"`
	SampleProofs [][]types.Hash `json:"sampleProofs"`
}

// jsonCodec marshals every gRPC message (in practice batchEnvelope) as
// stable JSON instead of protobuf, since the manager's generated stubs are out of this repo's
// scope (spec.md §1).
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	switch m := v.(type) {
	case *batchEnvelope:
		return stablejson.Marshal(m)
	default:
		return stablejson.Marshal(v)
	}
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// GRPCBatchSubmitter submits batches to the PoSe manager over a plain
// gRPC connection using a JSON codec in place of generated protobuf stubs
// (matching the teacher's TLS-for-gRPC comment in core/security.go, minus
// TLS for the local/dev target used in tests).
type GRPCBatchSubmitter struct {
	conn   *grpc.ClientConn
	method string
}

// DialBatchSubmitter connects to the PoSe manager's gRPC endpoint. The
// method name mirrors the on-chain manager's external ABI surface; it is
// configurable since that contract is out of this repo's scope.
func DialBatchSubmitter(target, method string) (*GRPCBatchSubmitter, error) {
	if method == "" {
		method = "/coc.pose.Manager/SubmitBatch"
	}
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodec{}.Name())),
	)
	if err != nil {
		return nil, fmt.Errorf("pose: dial batch submitter: %w", err)
	}
	return &GRPCBatchSubmitter{conn: conn, method: method}, nil
}

// SubmitBatch invokes the manager's SubmitBatch RPC.
func (g *GRPCBatchSubmitter) SubmitBatch(ctx context.Context, batch types.Batch) error {
	req := &batchEnvelope{
		EpochID:      batch.EpochID,
		MerkleRoot:   batch.MerkleRoot,
		SummaryHash:  batch.SummaryHash,
		SampleProofs: batch.SampleProofs,
	}
	var resp batchEnvelope
	if err := g.conn.Invoke(ctx, g.method, req, &resp); err != nil {
		return fmt.Errorf("pose: submit batch: %w", err)
	}
	return nil
}

// Close releases the gRPC connection.
func (g *GRPCBatchSubmitter) Close() error { return g.conn.Close() }
