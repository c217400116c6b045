// Package stablejson encodes Go values as JSON with object keys sorted
// recursively, so the same logical payload always hashes to the same bytes
// regardless of map iteration order. Every hashed gossip/consensus payload in
// coc-node goes through this encoder (spec.md §6).
package stablejson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"

	"golang.org/x/crypto/sha3"
)

// Marshal produces the stable encoding of v: a JSON document whose object
// keys are sorted lexicographically at every nesting level, with *big.Int
// values rendered as decimal-string leaves (never JSON numbers, to keep
// bigint precision exact across languages).
func Marshal(v interface{}) ([]byte, error) {
	norm, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(norm)
}

// Hash returns the keccak-256 digest of Marshal(v).
func Hash(v interface{}) ([32]byte, error) {
	b, err := Marshal(v)
	if err != nil {
		return [32]byte{}, err
	}
	return Keccak256(b), nil
}

// Keccak256 hashes raw bytes.
func Keccak256(data ...[]byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// normalize walks v (which may already be a Go struct, map, or the result of
// a prior json.Marshal/Unmarshal round trip) into a tree of map[string]any /
// []any / string / bool / nil with every *big.Int rewritten as its decimal
// string, then sorts map keys by re-encoding through an ordered buffer.
func normalize(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case *big.Int:
		if t == nil {
			return nil, nil
		}
		return t.String(), nil
	case big.Int:
		return t.String(), nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			nv, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return sortedMap(out), nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			nv, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	default:
		// Round-trip arbitrary structs through encoding/json so struct
		// tags are honored, then normalize the resulting generic tree.
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("stablejson: marshal leaf: %w", err)
		}
		var generic interface{}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&generic); err != nil {
			return nil, fmt.Errorf("stablejson: decode leaf: %w", err)
		}
		if _, ok := generic.(map[string]interface{}); ok {
			return normalize(generic)
		}
		if _, ok := generic.([]interface{}); ok {
			return normalize(generic)
		}
		return generic, nil
	}
}

// orderedMap implements json.Marshaler to force lexicographic key order,
// since Go's encoding/json otherwise sorts map[string]T keys itself — this
// makes that guarantee explicit and keeps the encoder robust if the
// standard library's behavior ever changes.
type orderedMap struct {
	keys   []string
	values map[string]interface{}
}

func sortedMap(m map[string]interface{}) orderedMap {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return orderedMap{keys: keys, values: m}
}

func (o orderedMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(o.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
