package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the coordinator's Prometheus instruments. One instance is
// created per process and shared by the role services.
type Metrics struct {
	RoundsStarted        prometheus.Counter
	RoundsCompleted      prometheus.Counter
	RoundsAborted        prometheus.Counter
	AssignmentsPublished prometheus.Counter
	SubmissionsObserved  prometheus.Counter
	PublishFailures      prometheus.Counter
	ChunksTrained        prometheus.Counter
	MeshPeers            prometheus.Gauge
}

// New registers the instruments on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RoundsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fedmesh", Name: "rounds_started_total",
			Help: "Rounds that reached the Training phase.",
		}),
		RoundsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fedmesh", Name: "rounds_completed_total",
			Help: "Rounds settled with all chunks submitted.",
		}),
		RoundsAborted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fedmesh", Name: "rounds_aborted_total",
			Help: "Rounds aborted by error or deadline.",
		}),
		AssignmentsPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fedmesh", Name: "assignments_published_total",
			Help: "Assign messages published, including re-emissions.",
		}),
		SubmissionsObserved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fedmesh", Name: "submissions_observed_total",
			Help: "WeightsSubmitted events observed on the ledger.",
		}),
		PublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fedmesh", Name: "publish_failures_total",
			Help: "Overlay publishes that returned an error.",
		}),
		ChunksTrained: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fedmesh", Name: "chunks_trained_total",
			Help: "Dataset chunks trained and submitted by this node.",
		}),
		MeshPeers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "fedmesh", Name: "mesh_peers",
			Help: "Peers currently connected to the overlay.",
		}),
	}
}
