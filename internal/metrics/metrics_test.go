package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewRegistersAllCollectorsWithoutPanic(t *testing.T) {
	c, reg := New()
	c.BlocksProposed.Inc()
	c.MempoolSize.Set(42)
	c.GossipIngress.WithLabelValues("/gossip/tx", "accepted").Inc()
	c.PeerScore.WithLabelValues("peer1").Set(0.9)
	c.PoseChallenges.WithLabelValues("uptime", "verified").Inc()

	if reg == nil {
		t.Fatal("expected a non-nil registry")
	}
}

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	c, reg := New()
	c.BlocksProposed.Inc()
	c.BlocksProposed.Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "coc_blocks_proposed_total 2") {
		t.Fatalf("expected the incremented counter to appear in the scrape output, got:\n%s", body)
	}
}
