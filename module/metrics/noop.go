package metrics

import (
	"time"

	"github.com/vectorchat/chunking-validator/module"
)

type NoopCollector struct{}

var _ module.TournamentMetrics = (*NoopCollector)(nil)

func NewNoopCollector() *NoopCollector {
	nc := &NoopCollector{}
	return nc
}

func (nc *NoopCollector) RoundStarted(taskType string)                           {}
func (nc *NoopCollector) RoundCompleted(taskType string, duration time.Duration) {}
func (nc *NoopCollector) ResponseReceived(null bool)                             {}
func (nc *NoopCollector) ScoreUpdateApplied()                                    {}
func (nc *NoopCollector) AuthRejection(reason string)                            {}
func (nc *NoopCollector) RelayPublishFailed()                                    {}
func (nc *NoopCollector) WeightsPublished()                                      {}
