package module

import "time"

// TournamentMetrics encapsulates the metrics collectors for the tournament
// pipeline.
type TournamentMetrics interface {
	// RoundStarted counts a dispatched round by task type.
	RoundStarted(taskType string)

	// RoundCompleted tracks the duration of a fully processed round.
	RoundCompleted(taskType string, duration time.Duration)

	// ResponseReceived counts one worker response, null or not.
	ResponseReceived(null bool)

	// ScoreUpdateApplied counts one folded score update batch.
	ScoreUpdateApplied()

	// AuthRejection counts a rejected inbound message by reason.
	AuthRejection(reason string)

	// RelayPublishFailed counts a failed relay pin publication.
	RelayPublishFailed()

	// WeightsPublished counts one successful weight publication.
	WeightsPublished()
}
