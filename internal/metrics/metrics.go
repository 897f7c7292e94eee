// Package metrics instruments the optimiser loop with Prometheus
// gauges/counters and serves them at /metrics via promhttp.Handler().
// The teacher corpus already carries prometheus/client_golang (used in
// domains/platform/apis/prom_proxy as a Prometheus *client*); here the
// same dependency family is used on the more common *instrumentation*
// side.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rweiss/pintrain/internal/optimizer"
)

// Recorder holds the gauges/counters updated once per optimisation
// iteration.
type Recorder struct {
	registry *prometheus.Registry

	gradNorm   prometheus.Gauge
	objective  prometheus.Gauge
	loss       prometheus.Gauge
	trainAcc   prometheus.Gauge
	valAcc     prometheus.Gauge
	stepsize   prometheus.Gauge
	lsIters    prometheus.Gauge
	iterations prometheus.Counter
}

// NewRecorder registers a fresh set of pintrain metrics on their own
// registry (rather than the global default registry) so multiple runs
// in the same process — e.g. under test — never collide.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		gradNorm: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "pintrain_gradient_norm", Help: "L2 norm of the gathered global gradient.",
		}),
		objective: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "pintrain_objective", Help: "Reduced objective value (loss + tikhonov + ddt).",
		}),
		loss: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "pintrain_loss", Help: "Reduced classification loss.",
		}),
		trainAcc: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "pintrain_train_accuracy", Help: "Training-batch classification accuracy.",
		}),
		valAcc: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "pintrain_validation_accuracy", Help: "Validation-batch classification accuracy.",
		}),
		stepsize: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "pintrain_stepsize", Help: "Accepted Armijo stepsize for the last iteration.",
		}),
		lsIters: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "pintrain_line_search_iterations", Help: "Number of backtracking trials the last iteration needed.",
		}),
		iterations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pintrain_iterations_total", Help: "Total optimisation iterations completed.",
		}),
	}
	return r
}

// Handler returns the HTTP handler to mount at /metrics.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Observe records one optimizer.Stats row. Intended as an
// optimizer.Optimiser.OnIteration callback.
func (r *Recorder) Observe(s optimizer.Stats) {
	r.gradNorm.Set(s.GradNorm)
	r.objective.Set(s.Objective)
	r.loss.Set(s.Loss)
	r.trainAcc.Set(s.TrainAcc)
	r.valAcc.Set(s.ValAcc)
	r.stepsize.Set(s.Stepsize)
	r.lsIters.Set(float64(s.LSIters))
	r.iterations.Inc()
}
