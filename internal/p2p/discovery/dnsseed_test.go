package discovery

import (
	"context"
	"testing"
	"time"
)

func TestParseSeedRecord(t *testing.T) {
	p, ok := parseSeedRecord("coc-peer:" + validID + ":http://peer.example:8080")
	if !ok {
		t.Fatal("expected a well-formed seed record to parse")
	}
	if p.ID != validID || p.URL != "http://peer.example:8080" {
		t.Fatalf("unexpected parse result: %+v", p)
	}
}

func TestParseSeedRecordRejectsWrongPrefix(t *testing.T) {
	if _, ok := parseSeedRecord("other:" + validID + ":http://peer.example"); ok {
		t.Fatal("expected a record without the coc-peer: prefix to be rejected")
	}
}

func TestParseSeedRecordRejectsMissingFields(t *testing.T) {
	if _, ok := parseSeedRecord("coc-peer:" + validID); ok {
		t.Fatal("expected a record missing its URL field to be rejected")
	}
}

func TestResolveUsesCacheWithinTTL(t *testing.T) {
	calls := 0
	r := NewDNSSeedResolver(time.Hour)
	r.lookupTXT = func(ctx context.Context, name string) ([]string, error) {
		calls++
		return []string{"coc-peer:" + validID + ":http://peer.example:8080"}, nil
	}
	peers1, err := r.Resolve(context.Background(), "seed.example")
	if err != nil {
		t.Fatal(err)
	}
	peers2, err := r.Resolve(context.Background(), "seed.example")
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("expected the second Resolve within the TTL to hit the cache, got %d lookups", calls)
	}
	if len(peers1) != 1 || len(peers2) != 1 {
		t.Fatalf("expected one resolved peer, got %v / %v", peers1, peers2)
	}
}

func TestResolveAndConsiderFeedsDiscoveryFilter(t *testing.T) {
	r := NewDNSSeedResolver(time.Hour)
	r.lookupTXT = func(ctx context.Context, name string) ([]string, error) {
		return []string{
			"coc-peer:" + validID + ":http://127.0.0.1:8080", // blocked SSRF target
			"coc-peer:" + otherID + ":http://peer.example:8080",
		}, nil
	}
	d := New(Config{RejectPrivateHosts: true}, nil, nil)
	if err := r.ResolveAndConsider(context.Background(), "seed.example", d); err != nil {
		t.Fatal(err)
	}
	known := d.AllKnown()
	if len(known) != 1 || known[0].ID != otherID {
		t.Fatalf("expected only the non-private seed peer to be admitted, got %+v", known)
	}
}
