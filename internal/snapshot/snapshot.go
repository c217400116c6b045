// Package snapshot implements state snapshot export/import for fast sync
// (spec.md §4.10), grounded on the teacher's core/txpool_snapshot.go
// Snapshot() naming/locking idiom, generalized from a pending-tx snapshot
// to a full account-state snapshot.
package snapshot

import (
	"encoding/json"
	"fmt"
	"sort"

	"coc-node/internal/trie"
	"coc-node/internal/types"
)

// Version is the only snapshot format this node produces or accepts
// (spec.md §4.10: "Deserialization validates version==1").
const Version = 1

// AccountStorageSlot is one exported storage slot.
type AccountStorageSlot struct {
	Key   types.Hash `json:"key"`
	Value string     `json:"value"` // 0x-hex
}

// Account is one exported account record (spec.md §4.10).
type Account struct {
	Address     types.Address        `json:"address"`
	Nonce       uint64               `json:"nonce"`
	Balance     string               `json:"balance"` // decimal string
	StorageRoot types.Hash           `json:"storageRoot"`
	CodeHash    types.Hash           `json:"codeHash"`
	Storage     []AccountStorageSlot `json:"storage,omitempty"`
	Code        string               `json:"code,omitempty"` // 0x-hex, optional
}

// Snapshot is the exported state transfer unit (spec.md §4.10).
type Snapshot struct {
	Version     int        `json:"version"`
	StateRoot   types.Hash `json:"stateRoot"`
	BlockHeight uint64     `json:"blockHeight"`
	BlockHash   types.Hash `json:"blockHash"`
	Accounts    []Account  `json:"accounts"`
}

// Export walks every address currently tracked by t and produces a
// Snapshot anchored at (blockHeight, blockHash, stateRoot).
func Export(t *trie.Trie, blockHeight uint64, blockHash, stateRoot types.Hash) Snapshot {
	addrs := t.Addresses()
	accounts := make([]Account, 0, len(addrs))
	for _, addr := range addrs {
		acc := t.Account(addr)
		a := Account{
			Address: addr, Nonce: acc.Nonce, Balance: acc.Balance.String(),
			StorageRoot: acc.StorageRoot, CodeHash: acc.CodeHash,
		}
		for key, value := range t.StorageSlots(addr) {
			a.Storage = append(a.Storage, AccountStorageSlot{Key: key, Value: hexEncode(value)})
		}
		sort.Slice(a.Storage, func(i, j int) bool { return a.Storage[i].Key.Hex() < a.Storage[j].Key.Hex() })
		if code := t.Code(addr); len(code) > 0 {
			a.Code = hexEncode(code)
		}
		accounts = append(accounts, a)
	}
	return Snapshot{
		Version: Version, StateRoot: stateRoot, BlockHeight: blockHeight,
		BlockHash: blockHash, Accounts: accounts,
	}
}

// Marshal/Unmarshal are plain JSON, matching spec.md §6's UTF-8 JSON wire
// format requirement.
func (s Snapshot) Marshal() ([]byte, error) { return json.Marshal(s) }

func Unmarshal(raw []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: decode: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

// Validate checks version and required-field presence (spec.md §4.10:
// "validates version==1 and presence of required fields").
func (s Snapshot) Validate() error {
	if s.Version != Version {
		return fmt.Errorf("snapshot: unsupported version %d", s.Version)
	}
	if s.BlockHash.IsZero() && s.BlockHeight != 0 {
		return fmt.Errorf("snapshot: missing blockHash")
	}
	for i, a := range s.Accounts {
		if a.Address.IsZero() && a.Balance == "" {
			return fmt.Errorf("snapshot: account %d missing address/balance", i)
		}
	}
	return nil
}

// Import writes code first, then accounts, then per-account storage, and
// commits the trie (spec.md §4.10 "Import ..."). If expectedRoot is
// non-zero and the committed root differs, the import is rejected, but the
// writes already made to t are not rolled back (the caller should discard t
// on error and retry on a fresh trie, matching the teacher's all-or-nothing
// batch conventions elsewhere in this repo).
func Import(t *trie.Trie, s Snapshot, expectedRoot types.Hash) (types.Hash, error) {
	if err := s.Validate(); err != nil {
		return types.Hash{}, err
	}
	for _, a := range s.Accounts {
		if a.Code != "" {
			code, err := hexDecode(a.Code)
			if err != nil {
				return types.Hash{}, fmt.Errorf("snapshot: import: decode code for %s: %w", a.Address.Hex(), err)
			}
			t.SetCode(a.Address, code)
		}
	}
	for _, a := range s.Accounts {
		bal, ok := newBigFromDecimal(a.Balance)
		if !ok {
			return types.Hash{}, fmt.Errorf("snapshot: import: bad balance for %s", a.Address.Hex())
		}
		t.SetBalance(a.Address, bal)
		t.SetNonce(a.Address, a.Nonce)
	}
	for _, a := range s.Accounts {
		for _, slot := range a.Storage {
			value, err := hexDecode(slot.Value)
			if err != nil {
				return types.Hash{}, fmt.Errorf("snapshot: import: decode storage for %s: %w", a.Address.Hex(), err)
			}
			t.SetStorage(a.Address, slot.Key, value)
		}
	}
	root := t.Commit()
	if !expectedRoot.IsZero() && root != expectedRoot {
		return root, fmt.Errorf("snapshot: import: committed root %s does not match expected %s", root.Hex(), expectedRoot.Hex())
	}
	return root, nil
}
