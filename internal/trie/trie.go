// Package trie implements the account state store mapping address ->
// account state, with per-account storage slots and a code store keyed by
// code hash (spec.md §4.1). The state root is a binary Merkle root over
// address-sorted account leaves, not a Merkle-Patricia trie: there are no
// radix/patricia nodes. It follows the teacher's "canonical bytes ->
// keccak leaf hash -> combine" idiom from core/security.go's
// ComputeMerkleRoot.
package trie

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"coc-node/internal/stablejson"
	"coc-node/internal/types"
)

// Account is the committed state of one address.
type Account struct {
	Nonce       uint64        `json:"nonce"`
	Balance     *big.Int      `json:"balance"`
	StorageRoot types.Hash    `json:"storageRoot"`
	CodeHash    types.Hash    `json:"codeHash"`
}

func (a Account) hashLeaf() [32]byte {
	h, _ := stablejson.Hash(struct {
		Nonce       uint64 `json:"nonce"`
		Balance     string `json:"balance"`
		StorageRoot string `json:"storageRoot"`
		CodeHash    string `json:"codeHash"`
	}{a.Nonce, a.Balance.String(), a.StorageRoot.Hex(), a.CodeHash.Hex()})
	return h
}

// storageTrie is a flat, sorted-key Merkle tree over one account's storage
// slots. It is small enough per account that a sorted-leaf Merkle tree
// (rather than a full nested radix structure) is sufficient and matches
// the teacher's ComputeMerkleRoot shape directly.
type storageTrie struct {
	slots map[types.Hash][]byte // storage key -> value
}

func newStorageTrie() *storageTrie { return &storageTrie{slots: make(map[types.Hash][]byte)} }

func (st *storageTrie) root() types.Hash {
	if len(st.slots) == 0 {
		return types.Hash{}
	}
	keys := make([]types.Hash, 0, len(st.slots))
	for k := range st.slots {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Hex() < keys[j].Hex() })
	leaves := make([][32]byte, len(keys))
	for i, k := range keys {
		leaves[i] = stablejson.Keccak256(k.Bytes(), st.slots[k])
	}
	return types.Hash(merkleRoot(leaves))
}

// merkleRoot combines leaves pairwise (duplicating the last odd leaf),
// Bitcoin/teacher style.
func merkleRoot(leaves [][32]byte) [32]byte {
	if len(leaves) == 0 {
		return [32]byte{}
	}
	level := leaves
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, stablejson.Keccak256(level[i][:], level[i+1][:]))
			} else {
				next = append(next, stablejson.Keccak256(level[i][:], level[i][:]))
			}
		}
		level = next
	}
	return level[0]
}

// MerkleRoot is the exported form of merkleRoot, for callers outside this
// package building their own leaf sets (e.g. PoSe batch aggregation).
func MerkleRoot(leaves [][32]byte) types.Hash { return types.Hash(merkleRoot(leaves)) }

// MerklePath returns the sibling hashes needed to verify leaves[index]
// against the root returned by merkleRoot(leaves) (spec.md GLOSSARY:
// "Merkle path").
func MerklePath(leaves [][32]byte, index int) ([][32]byte, error) {
	if index < 0 || index >= len(leaves) {
		return nil, fmt.Errorf("trie: index %d out of range", index)
	}
	var path [][32]byte
	level := leaves
	idx := index
	for len(level) > 1 {
		var sibling [32]byte
		if idx%2 == 0 {
			if idx+1 < len(level) {
				sibling = level[idx+1]
			} else {
				sibling = level[idx]
			}
		} else {
			sibling = level[idx-1]
		}
		path = append(path, sibling)
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, stablejson.Keccak256(level[i][:], level[i+1][:]))
			} else {
				next = append(next, stablejson.Keccak256(level[i][:], level[i][:]))
			}
		}
		level = next
		idx /= 2
	}
	return path, nil
}

// VerifyMerklePath reconstructs the root from leaf+path and checks it
// against expected (used by PoSe storage-challenge verification).
func VerifyMerklePath(leaf [32]byte, path [][32]byte, index int, expected types.Hash) bool {
	cur := leaf
	idx := index
	for _, sibling := range path {
		if idx%2 == 0 {
			cur = stablejson.Keccak256(cur[:], sibling[:])
		} else {
			cur = stablejson.Keccak256(sibling[:], cur[:])
		}
		idx /= 2
	}
	return types.Hash(cur) == expected
}

// CodeStore maps code hash -> contract bytecode.
type CodeStore struct {
	mu   sync.RWMutex
	code map[types.Hash][]byte
}

func newCodeStore() *CodeStore { return &CodeStore{code: make(map[types.Hash][]byte)} }

func (c *CodeStore) Put(hash types.Hash, code []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.code[hash] = append([]byte(nil), code...)
}

func (c *CodeStore) Get(hash types.Hash) []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.code[hash]
}

// Trie is the in-memory account state trie. Commit derives a new root
// deterministically from the current account set; the caller persists the
// root via storage.Store.PutStateRoot.
type Trie struct {
	mu       sync.RWMutex
	accounts map[types.Address]*Account
	storage  map[types.Address]*storageTrie
	code     *CodeStore
}

// New creates an empty trie.
func New() *Trie {
	return &Trie{
		accounts: make(map[types.Address]*Account),
		storage:  make(map[types.Address]*storageTrie),
		code:     newCodeStore(),
	}
}

// Account returns a copy of the account state, or a zero-value account if
// none exists yet (matching the "unknown address has zero balance/nonce"
// Ethereum convention).
func (t *Trie) Account(addr types.Address) Account {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if a, ok := t.accounts[addr]; ok {
		return Account{Nonce: a.Nonce, Balance: new(big.Int).Set(a.Balance), StorageRoot: a.StorageRoot, CodeHash: a.CodeHash}
	}
	return Account{Balance: big.NewInt(0)}
}

func (t *Trie) ensure(addr types.Address) *Account {
	a, ok := t.accounts[addr]
	if !ok {
		a = &Account{Balance: big.NewInt(0)}
		t.accounts[addr] = a
	}
	if a.Balance == nil {
		a.Balance = big.NewInt(0)
	}
	return a
}

// SetBalance overwrites an account's balance (used by prefund/genesis and
// value-transfer application).
func (t *Trie) SetBalance(addr types.Address, bal *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a := t.ensure(addr)
	a.Balance = new(big.Int).Set(bal)
}

// AddBalance adds delta (may be negative) to an account's balance.
func (t *Trie) AddBalance(addr types.Address, delta *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a := t.ensure(addr)
	a.Balance = new(big.Int).Add(a.Balance, delta)
}

// SetNonce overwrites an account's nonce.
func (t *Trie) SetNonce(addr types.Address, nonce uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensure(addr).Nonce = nonce
}

// IncrementNonce bumps an account's nonce by one and returns the new value.
func (t *Trie) IncrementNonce(addr types.Address) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	a := t.ensure(addr)
	a.Nonce++
	return a.Nonce
}

// SetCode deploys code for addr and updates its code hash.
func (t *Trie) SetCode(addr types.Address, code []byte) types.Hash {
	digest := stablejson.Keccak256(code)
	hash := types.Hash(digest)
	t.code.Put(hash, code)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensure(addr).CodeHash = hash
	return hash
}

func (t *Trie) Code(addr types.Address) []byte {
	t.mu.RLock()
	hash := types.Hash{}
	if a, ok := t.accounts[addr]; ok {
		hash = a.CodeHash
	}
	t.mu.RUnlock()
	if hash.IsZero() {
		return nil
	}
	return t.code.Get(hash)
}

// SetStorage writes one storage slot for addr.
func (t *Trie) SetStorage(addr types.Address, key types.Hash, value []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.storage[addr]
	if !ok {
		st = newStorageTrie()
		t.storage[addr] = st
	}
	if len(value) == 0 {
		delete(st.slots, key)
	} else {
		st.slots[key] = append([]byte(nil), value...)
	}
	t.ensure(addr).StorageRoot = st.root()
}

func (t *Trie) GetStorage(addr types.Address, key types.Hash) []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.storage[addr]
	if !ok {
		return nil
	}
	return st.slots[key]
}

// StorageSlots returns a snapshot of addr's storage (used by state
// snapshot export, spec.md §4.10).
func (t *Trie) StorageSlots(addr types.Address) map[types.Hash][]byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.storage[addr]
	if !ok {
		return nil
	}
	out := make(map[types.Hash][]byte, len(st.slots))
	for k, v := range st.slots {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

// Addresses returns every address currently tracked, sorted, for
// deterministic iteration (export, testing).
func (t *Trie) Addresses() []types.Address {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.Address, 0, len(t.accounts))
	for a := range t.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out
}

// Commit computes the current state root: a binary Merkle root (see
// merkleRoot) over one leaf per account, keccak(keccak(address) ||
// account leaf hash), with accounts sorted by address for determinism.
func (t *Trie) Commit() types.Hash {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.accounts) == 0 {
		return types.Hash{}
	}
	addrs := make([]types.Address, 0, len(t.accounts))
	for a := range t.accounts {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Hex() < addrs[j].Hex() })
	leaves := make([][32]byte, len(addrs))
	for i, addr := range addrs {
		acctLeaf := stablejson.Keccak256(addr.Bytes())
		accLeaf := t.accounts[addr].hashLeaf()
		leaves[i] = stablejson.Keccak256(acctLeaf[:], accLeaf[:])
	}
	return types.Hash(merkleRoot(leaves))
}

// MarshalAccount encodes an account as JSON.
func MarshalAccount(a Account) ([]byte, error) { return json.Marshal(a) }
