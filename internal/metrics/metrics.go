// Package metrics wires the glue tick loop's counters/gauges into
// Prometheus (spec.md §2 glue row: "Orchestration of the above"), a teacher
// indirect dependency with no consumer in the copied tree.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors bundles every metric the node reports.
type Collectors struct {
	BlocksProposed   prometheus.Counter
	BlocksApplied    prometheus.Counter
	ProposeFailures  prometheus.Counter
	MempoolSize      prometheus.Gauge
	BftRoundDuration prometheus.Histogram
	GossipIngress    *prometheus.CounterVec
	PeerScore        *prometheus.GaugeVec
	PoseChallenges   *prometheus.CounterVec
}

// New registers every collector against a fresh registry and returns both.
func New() (*Collectors, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	c := &Collectors{
		BlocksProposed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coc_blocks_proposed_total", Help: "Number of blocks this node proposed.",
		}),
		BlocksApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coc_blocks_applied_total", Help: "Number of blocks successfully applied.",
		}),
		ProposeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coc_propose_failures_total", Help: "Number of proposeNextBlock failures.",
		}),
		MempoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coc_mempool_size", Help: "Current number of queued mempool transactions.",
		}),
		BftRoundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "coc_bft_round_duration_seconds", Help: "Duration of finalized BFT rounds.",
		}),
		GossipIngress: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coc_gossip_ingress_total", Help: "Gossip ingress requests by path and outcome.",
		}, []string{"path", "outcome"}),
		PeerScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "coc_peer_score", Help: "Current reputation score per peer.",
		}, []string{"peer_id"}),
		PoseChallenges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coc_pose_challenges_total", Help: "PoSe challenges issued by type and outcome.",
		}, []string{"type", "outcome"}),
	}
	reg.MustRegister(c.BlocksProposed, c.BlocksApplied, c.ProposeFailures, c.MempoolSize,
		c.BftRoundDuration, c.GossipIngress, c.PeerScore, c.PoseChallenges)
	return c, reg
}

// Handler exposes the /metrics endpoint for the glue layer's chi router.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
