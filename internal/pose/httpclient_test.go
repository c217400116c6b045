package pose

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"coc-node/internal/types"
)

func TestHTTPTargetClientPostChallenge(t *testing.T) {
	var gotPath string
	var gotChallengeID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var c types.Challenge
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
			t.Fatal(err)
		}
		gotChallengeID = c.ChallengeID
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewHTTPTargetClient(func(Target) string { return srv.URL })
	challenge := &types.Challenge{ChallengeID: "c1"}
	if err := client.PostChallenge(context.Background(), Target{NodeID: "n1"}, challenge); err != nil {
		t.Fatal(err)
	}
	if gotPath != "/pose/challenge" {
		t.Fatalf("expected POST to /pose/challenge, got %s", gotPath)
	}
	if gotChallengeID != "c1" {
		t.Fatalf("expected the posted challenge body to round-trip, got %q", gotChallengeID)
	}
}

func TestHTTPTargetClientPostChallengeRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewHTTPTargetClient(func(Target) string { return srv.URL })
	if err := client.PostChallenge(context.Background(), Target{}, &types.Challenge{ChallengeID: "c1"}); err == nil {
		t.Fatal("expected a non-2xx status to be surfaced as an error")
	}
}

func TestHTTPStorageRootSourceFetchesAndCaches(t *testing.T) {
	root := types.BytesToHash([]byte("expected-root"))
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/p2p/state-snapshot" {
			t.Fatalf("expected GET /p2p/state-snapshot, got %s", r.URL.Path)
		}
		hits++
		json.NewEncoder(w).Encode(struct {
			Version     int        `json:"version"`
			StateRoot   types.Hash `json:"stateRoot"`
			BlockHeight uint64     `json:"blockHeight"`
			BlockHash   types.Hash `json:"blockHash"`
			Accounts    []struct{} `json:"accounts"`
		}{Version: 1, StateRoot: root})
	}))
	defer srv.Close()

	src := NewHTTPStorageRootSource(func(Target) string { return srv.URL })
	got, ok := src.Resolve("n1")
	if !ok || got != root {
		t.Fatalf("expected resolved root %s, got %s ok=%v", root.Hex(), got.Hex(), ok)
	}
	if _, ok := src.Resolve("n1"); !ok {
		t.Fatal("expected cached resolve to still succeed")
	}
	if hits != 1 {
		t.Fatalf("expected the second resolve to hit the cache, not refetch, got %d http hits", hits)
	}
}

func TestHTTPStorageRootSourceRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	src := NewHTTPStorageRootSource(func(Target) string { return srv.URL })
	if _, ok := src.Resolve("n1"); ok {
		t.Fatal("expected a non-2xx status to resolve as not-found")
	}
}

func TestHTTPTargetClientFetchReceipt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pose/receipt/c1" {
			t.Fatalf("expected receipt path /pose/receipt/c1, got %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(types.Receipt{ChallengeID: "c1", NodeID: "n1"})
	}))
	defer srv.Close()

	client := NewHTTPTargetClient(func(Target) string { return srv.URL })
	receipt, err := client.FetchReceipt(context.Background(), Target{NodeID: "n1"}, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if receipt.ChallengeID != "c1" || receipt.NodeID != "n1" {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
}
