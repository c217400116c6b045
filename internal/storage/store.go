// Package storage is the durable append-only chain data layer: a leveldb-
// backed KV store carrying the block index, tx/log index, and nonce
// registry namespaces described in spec.md §4.1 and §6.
package storage

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"coc-node/internal/types"
)

var log = logrus.WithField("component", "storage")

// Key namespaces, matching spec.md §4.1 verbatim.
const (
	prefixBlock      = "b:"            // b:<decimal height> -> serialized block
	prefixHashHeight  = "h:"            // h:<hash> -> height
	keyLatestBlock   = "m:latest-block" // -> serialized latest block
	prefixLogs       = "l:"            // l:<height> -> indexed logs
	prefixTx         = "tx:"           // tx:<hash> -> raw bytes + receipt
	prefixAddrTx     = "addr-tx:"      // addr-tx:<address>:<height>:<txIndex> -> txHash
	prefixContract   = "contract:"     // contract:<address> -> deploy info
	prefixNonce      = "n:"            // n:<hash> -> timestamp
	keyStateRoot     = "meta:stateRoot"
)

// Store is the atomic KV handle backing the chain's persistent state. Any
// I/O error is surfaced as a fatal error to the caller (spec.md §4.1
// "Failure semantics"); Store never swallows an error.
type Store struct {
	db *leveldb.DB
}

// Open opens (or creates) the leveldb database at dir.
func Open(dir string) (*Store, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Get reads a raw key.
func (s *Store) Get(key string) ([]byte, error) {
	v, err := s.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get %s: %w", key, err)
	}
	return v, nil
}

// Put writes a raw key atomically.
func (s *Store) Put(key string, value []byte) error {
	if err := s.db.Put([]byte(key), value, nil); err != nil {
		return fmt.Errorf("storage: put %s: %w", key, err)
	}
	return nil
}

// Del deletes a raw key.
func (s *Store) Del(key string) error {
	if err := s.db.Delete([]byte(key), nil); err != nil {
		return fmt.Errorf("storage: del %s: %w", key, err)
	}
	return nil
}

// Batch accumulates writes for an all-or-nothing commit.
type Batch struct {
	b *leveldb.Batch
}

func NewBatch() *Batch { return &Batch{b: new(leveldb.Batch)} }

func (wb *Batch) Put(key string, value []byte) { wb.b.Put([]byte(key), value) }
func (wb *Batch) Del(key string)               { wb.b.Delete([]byte(key)) }

// Commit flushes the batch atomically.
func (s *Store) Commit(wb *Batch) error {
	if err := s.db.Write(wb.b, nil); err != nil {
		return fmt.Errorf("storage: batch commit: %w", err)
	}
	return nil
}

// IteratePrefix returns keys (and values) under prefix in lexicographic
// order, as spec.md §4.1 requires.
func (s *Store) IteratePrefix(prefix string) (keys []string, values [][]byte, err error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	for iter.Next() {
		k := make([]byte, len(iter.Key()))
		copy(k, iter.Key())
		v := make([]byte, len(iter.Value()))
		copy(v, iter.Value())
		keys = append(keys, string(k))
		values = append(values, v)
	}
	if err := iter.Error(); err != nil {
		return nil, nil, fmt.Errorf("storage: iterate %s: %w", prefix, err)
	}
	return keys, values, nil
}

func blockKey(height uint64) string { return prefixBlock + strconv.FormatUint(height, 10) }
func hashKey(h types.Hash) string   { return prefixHashHeight + h.Hex() }
func logKey(height uint64) string   { return prefixLogs + strconv.FormatUint(height, 10) }
func txKey(h types.Hash) string     { return prefixTx + h.Hex() }
func contractKey(a types.Address) string { return prefixContract + a.Hex() }
func nonceKey(h types.Hash) string  { return prefixNonce + h.Hex() }

func addrTxKey(addr types.Address, height uint64, txIndex uint32) string {
	return fmt.Sprintf("%s%s:%020d:%010d", prefixAddrTx, addr.Hex(), height, txIndex)
}

// storedBlock is the on-disk encoding of a ChainBlock.
type storedBlock struct {
	Number           uint64   `json:"number"`
	Hash             string   `json:"hash"`
	ParentHash       string   `json:"parentHash"`
	Proposer         string   `json:"proposer"`
	TimestampMs      int64    `json:"timestampMs"`
	Txs              []string `json:"txs"`
	BaseFee          string   `json:"baseFee"`
	GasUsed          uint64   `json:"gasUsed"`
	CumulativeWeight string   `json:"cumulativeWeight"`
	StateRoot        string   `json:"stateRoot"`
	BftFinalized     bool     `json:"bftFinalized"`
	Finalized        bool     `json:"finalized"`
	ProposerSig      string   `json:"proposerSig,omitempty"`
}

// PutBlock writes the block, its hash->height pointer, and the
// latest-block pointer in one batch (spec.md §4.1: "putBlock writes block,
// hash→height, and latest-pointer in one batch").
func (s *Store) PutBlock(b *types.ChainBlock) error {
	raw, err := encodeBlock(b)
	if err != nil {
		return err
	}
	wb := NewBatch()
	wb.Put(blockKey(b.Number), raw)
	wb.Put(hashKey(b.Hash), []byte(strconv.FormatUint(b.Number, 10)))
	wb.Put(keyLatestBlock, raw)
	if err := s.Commit(wb); err != nil {
		return err
	}
	return nil
}

// UpdateBlock overwrites the block at its own height (e.g. to set
// bftFinalized after the fact). Spec.md §4.1: "the store never rewrites
// history at the same height unless the caller explicitly calls
// updateBlock".
func (s *Store) UpdateBlock(b *types.ChainBlock) error {
	raw, err := encodeBlock(b)
	if err != nil {
		return err
	}
	wb := NewBatch()
	wb.Put(blockKey(b.Number), raw)
	latest, err := s.LatestBlock()
	if err != nil {
		return err
	}
	if latest != nil && latest.Number == b.Number {
		wb.Put(keyLatestBlock, raw)
	}
	return s.Commit(wb)
}

func encodeBlock(b *types.ChainBlock) ([]byte, error) {
	txs := make([]string, len(b.Txs))
	for i, t := range b.Txs {
		txs[i] = "0x" + fmt.Sprintf("%x", t)
	}
	baseFee := "0"
	if b.BaseFee != nil {
		baseFee = b.BaseFee.String()
	}
	weight := "0"
	if b.CumulativeWeight != nil {
		weight = b.CumulativeWeight.String()
	}
	sig := ""
	if len(b.ProposerSig) > 0 {
		sig = "0x" + fmt.Sprintf("%x", b.ProposerSig)
	}
	sb := storedBlock{
		Number: b.Number, Hash: b.Hash.Hex(), ParentHash: b.ParentHash.Hex(),
		Proposer: b.Proposer.Hex(), TimestampMs: b.TimestampMs, Txs: txs,
		BaseFee: baseFee, GasUsed: b.GasUsed, CumulativeWeight: weight,
		StateRoot: b.StateRoot.Hex(), BftFinalized: b.BftFinalized,
		Finalized: b.Finalized, ProposerSig: sig,
	}
	out, err := json.Marshal(sb)
	if err != nil {
		return nil, fmt.Errorf("storage: encode block: %w", err)
	}
	return out, nil
}

func decodeBlock(raw []byte) (*types.ChainBlock, error) {
	var sb storedBlock
	if err := json.Unmarshal(raw, &sb); err != nil {
		return nil, fmt.Errorf("storage: decode block: %w", err)
	}
	hash, err := types.HashFromHex(sb.Hash)
	if err != nil {
		return nil, err
	}
	parent, err := types.HashFromHex(sb.ParentHash)
	if err != nil {
		return nil, err
	}
	proposer, err := types.AddressFromHex(sb.Proposer)
	if err != nil {
		return nil, err
	}
	stateRoot, _ := types.HashFromHex(sb.StateRoot)
	txs := make([][]byte, len(sb.Txs))
	for i, t := range sb.Txs {
		b, err := hexDecode(t)
		if err != nil {
			return nil, err
		}
		txs[i] = b
	}
	baseFee, _ := newBigFromString(sb.BaseFee)
	weight, _ := newBigFromString(sb.CumulativeWeight)
	var sig []byte
	if sb.ProposerSig != "" {
		sig, err = hexDecode(sb.ProposerSig)
		if err != nil {
			return nil, err
		}
	}
	return &types.ChainBlock{
		Number: sb.Number, Hash: hash, ParentHash: parent, Proposer: proposer,
		TimestampMs: sb.TimestampMs, Txs: txs, BaseFee: baseFee, GasUsed: sb.GasUsed,
		CumulativeWeight: weight, StateRoot: stateRoot, BftFinalized: sb.BftFinalized,
		Finalized: sb.Finalized, ProposerSig: sig,
	}, nil
}

// GetBlock reads the block at height.
func (s *Store) GetBlock(height uint64) (*types.ChainBlock, error) {
	raw, err := s.Get(blockKey(height))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return decodeBlock(raw)
}

// GetBlockByHash resolves a block via the hash->height pointer.
func (s *Store) GetBlockByHash(h types.Hash) (*types.ChainBlock, error) {
	raw, err := s.Get(hashKey(h))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	height, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("storage: corrupt hash pointer: %w", err)
	}
	return s.GetBlock(height)
}

// LatestBlock reads the m:latest-block pointer.
func (s *Store) LatestBlock() (*types.ChainBlock, error) {
	raw, err := s.Get(keyLatestBlock)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return decodeBlock(raw)
}

// PutLogs stores the indexed logs produced by applying the block at height.
func (s *Store) PutLogs(height uint64, logs []types.IndexedLog) error {
	raw, err := json.Marshal(logs)
	if err != nil {
		return fmt.Errorf("storage: encode logs: %w", err)
	}
	return s.Put(logKey(height), raw)
}

func (s *Store) GetLogs(height uint64) ([]types.IndexedLog, error) {
	raw, err := s.Get(logKey(height))
	if err != nil || raw == nil {
		return nil, err
	}
	var logs []types.IndexedLog
	if err := json.Unmarshal(raw, &logs); err != nil {
		return nil, fmt.Errorf("storage: decode logs: %w", err)
	}
	return logs, nil
}

// storedTx bundles raw tx bytes with its receipt.
type storedTx struct {
	Raw     []byte           `json:"raw"`
	Receipt *types.TxReceipt `json:"receipt"`
}

// PutTx stores raw bytes + receipt for a tx, and indexes it under
// addr-tx:<from>:<height>:<txIndex> and, if present, the to address.
func (s *Store) PutTx(hash types.Hash, raw []byte, receipt *types.TxReceipt, txIndex uint32) error {
	st := storedTx{Raw: raw, Receipt: receipt}
	enc, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("storage: encode tx: %w", err)
	}
	wb := NewBatch()
	wb.Put(txKey(hash), enc)
	if receipt != nil {
		wb.Put(addrTxKey(receipt.From, receipt.BlockNumber, txIndex), hash.Bytes())
		if !receipt.To.IsZero() {
			wb.Put(addrTxKey(receipt.To, receipt.BlockNumber, txIndex), hash.Bytes())
		}
	}
	return s.Commit(wb)
}

func (s *Store) GetTx(hash types.Hash) ([]byte, *types.TxReceipt, error) {
	raw, err := s.Get(txKey(hash))
	if err != nil || raw == nil {
		return nil, nil, err
	}
	var st storedTx
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, nil, fmt.Errorf("storage: decode tx: %w", err)
	}
	return st.Raw, st.Receipt, nil
}

// ContractInfo records a CREATE tx's deployment metadata.
type ContractInfo struct {
	DeployBlock uint64        `json:"deployBlock"`
	DeployTx    types.Hash    `json:"deployTx"`
	Deployer    types.Address `json:"deployer"`
}

func (s *Store) PutContract(addr types.Address, info ContractInfo) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("storage: encode contract: %w", err)
	}
	return s.Put(contractKey(addr), raw)
}

func (s *Store) GetContract(addr types.Address) (*ContractInfo, error) {
	raw, err := s.Get(contractKey(addr))
	if err != nil || raw == nil {
		return nil, err
	}
	var info ContractInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("storage: decode contract: %w", err)
	}
	return &info, nil
}

// NonceRegistry is the persistent replay-protection set (spec.md §3, §4.1).
// Entries are append-only: n:<hash> -> timestamp.
type NonceRegistry struct {
	s *Store
}

func (s *Store) NonceRegistry() *NonceRegistry { return &NonceRegistry{s: s} }

// MarkUsed records hash as consumed at timestampMs.
func (nr *NonceRegistry) MarkUsed(hash types.Hash, timestampMs int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(timestampMs))
	return nr.s.Put(nonceKey(hash), buf)
}

// IsUsed reports whether hash has already been consumed.
func (nr *NonceRegistry) IsUsed(hash types.Hash) (bool, error) {
	raw, err := nr.s.Get(nonceKey(hash))
	if err != nil {
		return false, err
	}
	return raw != nil, nil
}

// StateRoot persistence (meta:stateRoot, spec.md §4.1).

func (s *Store) PutStateRoot(root types.Hash) error {
	return s.Put(keyStateRoot, root.Bytes())
}

func (s *Store) GetStateRoot() (types.Hash, bool, error) {
	raw, err := s.Get(keyStateRoot)
	if err != nil {
		return types.Hash{}, false, err
	}
	if raw == nil {
		return types.Hash{}, false, nil
	}
	return types.BytesToHash(raw), true, nil
}

func hexDecode(s string) ([]byte, error) {
	if len(s) >= 2 && s[0:2] == "0x" {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("storage: invalid hex %q: %w", s, err)
	}
	return b, nil
}

func newBigFromString(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}
	return new(big.Int).SetString(s, 10)
}
