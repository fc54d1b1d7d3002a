package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vectorchat/chunking-validator/module"
)

const (
	namespaceTournament = "tournament"

	subsystemRounds = "rounds"
	subsystemScores = "scores"
	subsystemAuth   = "auth"
	subsystemRelay  = "relay"

	LabelTaskType = "task_type"
	LabelReason   = "reason"
	LabelNull     = "null"
)

// TournamentCollector reports round, scoring, auth and relay activity to
// prometheus.
type TournamentCollector struct {
	roundsStarted     *prometheus.CounterVec
	roundDuration     *prometheus.HistogramVec
	responsesReceived *prometheus.CounterVec
	scoreUpdates      prometheus.Counter
	authRejections    *prometheus.CounterVec
	relayFailures     prometheus.Counter
	weightsPublished  prometheus.Counter
}

var _ module.TournamentMetrics = (*TournamentCollector)(nil)

func NewTournamentCollector() *TournamentCollector {

	tc := &TournamentCollector{

		roundsStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:      "started_total",
			Namespace: namespaceTournament,
			Subsystem: subsystemRounds,
			Help:      "the number of tournament rounds started",
		}, []string{LabelTaskType}),

		roundDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:      "duration_seconds",
			Namespace: namespaceTournament,
			Subsystem: subsystemRounds,
			Help:      "end-to-end duration of completed rounds",
			Buckets:   []float64{1, 5, 10, 20, 40, 60, 120},
		}, []string{LabelTaskType}),

		responsesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:      "responses_received_total",
			Namespace: namespaceTournament,
			Subsystem: subsystemRounds,
			Help:      "the number of worker responses collected, by null-ness",
		}, []string{LabelNull}),

		scoreUpdates: promauto.NewCounter(prometheus.CounterOpts{
			Name:      "updates_applied_total",
			Namespace: namespaceTournament,
			Subsystem: subsystemScores,
			Help:      "the number of moving-average score updates applied",
		}),

		authRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:      "rejections_total",
			Namespace: namespaceTournament,
			Subsystem: subsystemAuth,
			Help:      "the number of rejected requests, by reason",
		}, []string{LabelReason}),

		relayFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name:      "publish_failures_total",
			Namespace: namespaceTournament,
			Subsystem: subsystemRelay,
			Help:      "the number of failed content-store publishes",
		}),

		weightsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name:      "weights_published_total",
			Namespace: namespaceTournament,
			Subsystem: subsystemScores,
			Help:      "the number of successful weight publications",
		}),
	}

	return tc
}

func (tc *TournamentCollector) RoundStarted(taskType string) {
	tc.roundsStarted.With(prometheus.Labels{LabelTaskType: taskType}).Inc()
}

func (tc *TournamentCollector) RoundCompleted(taskType string, duration time.Duration) {
	tc.roundDuration.With(prometheus.Labels{LabelTaskType: taskType}).Observe(duration.Seconds())
}

func (tc *TournamentCollector) ResponseReceived(null bool) {
	label := "false"
	if null {
		label = "true"
	}
	tc.responsesReceived.With(prometheus.Labels{LabelNull: label}).Inc()
}

func (tc *TournamentCollector) ScoreUpdateApplied() {
	tc.scoreUpdates.Inc()
}

func (tc *TournamentCollector) AuthRejection(reason string) {
	tc.authRejections.With(prometheus.Labels{LabelReason: reason}).Inc()
}

func (tc *TournamentCollector) RelayPublishFailed() {
	tc.relayFailures.Inc()
}

func (tc *TournamentCollector) WeightsPublished() {
	tc.weightsPublished.Inc()
}
