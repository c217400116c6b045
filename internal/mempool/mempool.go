// Package mempool implements the EIP-1559 pending transaction pool
// described in spec.md §4.3: per-sender nonce ordering, gas-bump
// replacement, capacity eviction, and block-building selection.
//
// Grounded on core/txpool_addtx.go / core/common_structs.go's TxPool shape
// (mutex-guarded lookup+queue) from the teacher, generalized from a
// minimal-validation stub into the full state machine the spec requires.
package mempool

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"coc-node/internal/types"
)

var log = logrus.WithField("component", "mempool")

// Decoder turns raw signed tx bytes into a MempoolTx. The chain engine
// supplies the concrete implementation (spec.md §1: EVM execution itself is
// an external collaborator; decoding a raw tx envelope is not).
type Decoder interface {
	Decode(raw []byte) (*types.MempoolTx, error)
}

// NonceLookup answers "what is the expected on-chain next nonce for sender"
// used by pickForBlock's per-sender ordering filter (spec.md §4.3 step 4).
type NonceLookup interface {
	NonceOf(sender types.Address) uint64
}

const (
	defaultTTL = 3 * time.Hour
)

// Config are the tunables from spec.md §6 relevant to the mempool.
type Config struct {
	ChainID      int64
	MaxSize      int
	MaxPerSender int
	MinGasBumpPct int64 // percent, e.g. 10 means 10%
	TTL          time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSize == 0 {
		c.MaxSize = 5000
	}
	if c.MaxPerSender == 0 {
		c.MaxPerSender = 64
	}
	if c.MinGasBumpPct == 0 {
		c.MinGasBumpPct = 10
	}
	if c.TTL == 0 {
		c.TTL = defaultTTL
	}
	return c
}

// Pool is the pending transaction pool. All mutating entry points are
// serialized by mu, matching spec.md §5's "Mempool admission and
// pickForBlock are serialized" requirement.
type Pool struct {
	mu sync.Mutex

	cfg     Config
	decoder Decoder

	byHash       map[types.Hash]*types.MempoolTx
	bySender     map[types.Address]map[types.Hash]struct{}
	bySenderNonce map[senderNonceKey]types.Hash
}

type senderNonceKey struct {
	sender types.Address
	nonce  uint64
}

// New constructs an empty pool.
func New(cfg Config, decoder Decoder) *Pool {
	return &Pool{
		cfg:           cfg.withDefaults(),
		decoder:       decoder,
		byHash:        make(map[types.Hash]*types.MempoolTx),
		bySender:      make(map[types.Address]map[types.Hash]struct{}),
		bySenderNonce: make(map[senderNonceKey]types.Hash),
	}
}

// AlreadyConfirmed is injected by the chain engine to reject txs already in
// the nonce registry (spec.md §4.4 addRawTx: "tx already confirmed").
type AlreadyConfirmed func(hash types.Hash) (bool, error)

// Admit decodes and validates raw, then admits it per spec.md §4.3 steps
// 1-4. confirmed may be nil if the caller has already checked.
func (p *Pool) Admit(raw []byte, confirmed AlreadyConfirmed) (*types.MempoolTx, error) {
	tx, err := p.decoder.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("mempool: decode: %w", err)
	}

	if confirmed != nil {
		used, err := confirmed(tx.Hash)
		if err != nil {
			return nil, fmt.Errorf("mempool: confirm check: %w", err)
		}
		if used {
			return nil, fmt.Errorf("tx already confirmed")
		}
	}

	tx.ReceivedAt = time.Now().UnixMilli()

	p.mu.Lock()
	defer p.mu.Unlock()

	key := senderNonceKey{tx.Sender, tx.Nonce}
	if existingHash, ok := p.bySenderNonce[key]; ok {
		existing := p.byHash[existingHash]
		if existing == nil {
			delete(p.bySenderNonce, key)
		} else {
			oldPrice := existing.EffectivePrice(big.NewInt(0))
			newPrice := tx.EffectivePrice(big.NewInt(0))
			minRequired := new(big.Int).Mul(oldPrice, big.NewInt(100+p.cfg.MinGasBumpPct))
			minRequired.Div(minRequired, big.NewInt(100))
			if newPrice.Cmp(minRequired) < 0 {
				return nil, fmt.Errorf("replacement gas price too low")
			}
			p.removeLocked(existingHash)
		}
	} else {
		if p.cfg.MaxPerSender > 0 && len(p.bySender[tx.Sender]) >= p.cfg.MaxPerSender {
			return nil, fmt.Errorf("sender has reached maxPerSender pending txs")
		}
	}

	if len(p.byHash) >= p.cfg.MaxSize {
		if !p.evictCheapestLocked(1) {
			return nil, fmt.Errorf("mempool full")
		}
	}

	p.insertLocked(tx)
	log.WithFields(logrus.Fields{"hash": tx.Hash.Hex(), "sender": tx.Sender.Hex(), "nonce": tx.Nonce}).Debug("admitted tx")
	return tx, nil
}

func (p *Pool) insertLocked(tx *types.MempoolTx) {
	p.byHash[tx.Hash] = tx
	if p.bySender[tx.Sender] == nil {
		p.bySender[tx.Sender] = make(map[types.Hash]struct{})
	}
	p.bySender[tx.Sender][tx.Hash] = struct{}{}
	p.bySenderNonce[senderNonceKey{tx.Sender, tx.Nonce}] = tx.Hash
}

func (p *Pool) removeLocked(hash types.Hash) {
	tx, ok := p.byHash[hash]
	if !ok {
		return
	}
	delete(p.byHash, hash)
	if set, ok := p.bySender[tx.Sender]; ok {
		delete(set, hash)
		if len(set) == 0 {
			delete(p.bySender, tx.Sender)
		}
	}
	delete(p.bySenderNonce, senderNonceKey{tx.Sender, tx.Nonce})
}

// evictCheapestLocked evicts up to n of the cheapest txs (lowest gasPrice,
// oldest as tiebreak), spec.md §4.3 step 4. Returns whether room was freed.
func (p *Pool) evictCheapestLocked(n int) bool {
	if len(p.byHash) == 0 {
		return false
	}
	all := make([]*types.MempoolTx, 0, len(p.byHash))
	for _, tx := range p.byHash {
		all = append(all, tx)
	}
	sort.Slice(all, func(i, j int) bool {
		pi := all[i].EffectivePrice(big.NewInt(0))
		pj := all[j].EffectivePrice(big.NewInt(0))
		if pi.Cmp(pj) != 0 {
			return pi.Cmp(pj) < 0
		}
		return all[i].ReceivedAt < all[j].ReceivedAt
	})
	evicted := 0
	for _, tx := range all {
		if evicted >= n {
			break
		}
		p.removeLocked(tx.Hash)
		evicted++
	}
	return evicted > 0
}

// Remove deletes a tx by hash (inclusion, replacement already handled in
// Admit, or external eviction).
func (p *Pool) Remove(hash types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(hash)
}

// RemoveIncluded removes every tx hash in a just-applied block (spec.md
// §4.4 applyBlock step 11).
func (p *Pool) RemoveIncluded(hashes []types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range hashes {
		p.removeLocked(h)
	}
}

func (p *Pool) dropExpiredLocked() {
	cutoff := time.Now().Add(-p.cfg.TTL).UnixMilli()
	for hash, tx := range p.byHash {
		if tx.ReceivedAt < cutoff {
			p.removeLocked(hash)
		}
	}
}

// PickForBlock selects transactions for the next block per spec.md §4.3
// pickForBlock: drop expired, compute effective price, reject underpriced,
// sort by (price desc, nonce asc, arrival asc), greedily include respecting
// the gas limit and per-sender expected-next-nonce ordering.
func (p *Pool) PickForBlock(maxCount int, nonces NonceLookup, minGasPrice, baseFee *big.Int, blockGasLimit uint64) []*types.MempoolTx {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.dropExpiredLocked()

	candidates := make([]*types.MempoolTx, 0, len(p.byHash))
	for _, tx := range p.byHash {
		feeCap := tx.GasPrice
		if tx.HasFeeCap() {
			feeCap = tx.MaxFeePerGas
		}
		if baseFee != nil && feeCap.Cmp(baseFee) < 0 {
			continue
		}
		price := tx.EffectivePrice(baseFee)
		if minGasPrice != nil && price.Cmp(minGasPrice) < 0 {
			continue
		}
		candidates = append(candidates, tx)
	}

	sort.Slice(candidates, func(i, j int) bool {
		pi := candidates[i].EffectivePrice(baseFee)
		pj := candidates[j].EffectivePrice(baseFee)
		if pi.Cmp(pj) != 0 {
			return pi.Cmp(pj) > 0
		}
		if candidates[i].Nonce != candidates[j].Nonce {
			return candidates[i].Nonce < candidates[j].Nonce
		}
		return candidates[i].ReceivedAt < candidates[j].ReceivedAt
	})

	expected := make(map[types.Address]uint64)
	var gasUsed uint64
	out := make([]*types.MempoolTx, 0, maxCount)
	for _, tx := range candidates {
		if len(out) >= maxCount {
			break
		}
		next, ok := expected[tx.Sender]
		if !ok {
			next = nonces.NonceOf(tx.Sender)
		}
		if tx.Nonce != next {
			continue
		}
		if gasUsed+tx.GasLimit > blockGasLimit {
			continue
		}
		out = append(out, tx)
		gasUsed += tx.GasLimit
		expected[tx.Sender] = tx.Nonce + 1
	}
	return out
}

// GetPendingNonce returns the smallest k >= onchainNonce not already
// queued for sender (spec.md §4.3 getPendingNonce).
func (p *Pool) GetPendingNonce(sender types.Address, onchainNonce uint64) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := onchainNonce
	for {
		if _, queued := p.bySenderNonce[senderNonceKey{sender, k}]; !queued {
			return k
		}
		k++
	}
}

// Snapshot returns a new slice holding every queued tx; the *MempoolTx
// values are the pool's own, not copies (teacher's
// core/txpool_snapshot.go naming convention).
func (p *Pool) Snapshot() []*types.MempoolTx {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*types.MempoolTx, 0, len(p.byHash))
	for _, tx := range p.byHash {
		out = append(out, tx)
	}
	return out
}

// Len reports the number of queued txs.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byHash)
}

// HistogramBucket is one gwei bucket of the gas-price histogram operation
// (spec.md §4.3).
type HistogramBucket struct {
	GweiBucket       int64
	Count            int
	CumulativePct    float64
}

// GasPriceHistogram buckets queued txs by gwei in a single O(n) pass and
// returns percentile summaries (spec.md §4.3).
func (p *Pool) GasPriceHistogram() []HistogramBucket {
	p.mu.Lock()
	txs := make([]*types.MempoolTx, 0, len(p.byHash))
	for _, tx := range p.byHash {
		txs = append(txs, tx)
	}
	p.mu.Unlock()

	if len(txs) == 0 {
		return nil
	}

	const gwei = 1_000_000_000
	counts := make(map[int64]int)
	for _, tx := range txs {
		price := tx.EffectivePrice(big.NewInt(0))
		bucket := new(big.Int).Div(price, big.NewInt(gwei)).Int64()
		counts[bucket]++
	}

	buckets := make([]int64, 0, len(counts))
	for b := range counts {
		buckets = append(buckets, b)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i] < buckets[j] })

	out := make([]HistogramBucket, 0, len(buckets))
	cumulative := 0
	total := len(txs)
	for _, b := range buckets {
		cumulative += counts[b]
		out = append(out, HistogramBucket{
			GweiBucket:    b,
			Count:         counts[b],
			CumulativePct: 100 * float64(cumulative) / float64(total),
		})
	}
	return out
}
