package sessionresume

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// define and register the metrics used in this package.
func init() {
	initResumptionMetrics()
}

// resumptionMetrics is a collection of metrics tracked for the ticket-key
// lifecycle and the handshake callback. Call initResumptionMetrics to
// initialize.
var resumptionMetrics = struct {
	storeSize        prometheus.Gauge
	keysMinted       *prometheus.CounterVec
	keysExpired      *prometheus.CounterVec
	handshakeResults *prometheus.CounterVec
	clusterCASWins   prometheus.Counter
	clusterCASLosses prometheus.Counter
}{}

func initResumptionMetrics() {
	const ns = "tlsresume"
	const sub = "ticket"

	resumptionMetrics.storeSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "store_size",
		Help:      "Number of ticket keys currently held in the store.",
	})
	resumptionMetrics.keysMinted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "keys_minted_total",
		Help:      "Counter of ticket keys minted, by maintainer kind.",
	}, []string{"maintainer"})
	resumptionMetrics.keysExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "keys_expired_total",
		Help:      "Counter of ticket keys pruned for expiry, by maintainer kind.",
	}, []string{"maintainer"})
	resumptionMetrics.handshakeResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "handshake_results_total",
		Help:      "Counter of handshake callback outcomes.",
	}, []string{"operation", "result"})
	resumptionMetrics.clusterCASWins = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "cluster_cas_wins_total",
		Help:      "Counter of cluster rotator reconcile rounds whose write won the CAS race.",
	})
	resumptionMetrics.clusterCASLosses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "cluster_cas_losses_total",
		Help:      "Counter of cluster rotator reconcile rounds whose write lost the CAS race.",
	})
}
