package coordinator

import (
	"log/slog"
	"time"
)

// eventListener implements supervisor.Listener: one counter bump plus one
// log line per event, the coordinator's entire use of the event stream
// per the Design Notes' observation that the source's only consumers of
// these events are internal counters and tests. Tallies that need fields
// the Listener interface doesn't carry (extensions-at-zero, lazy-vs-
// inline usage) are instead derived from the final ResultRecord in
// Coordinator.runOne, so as not to double count.
type eventListener struct {
	counters *Counters
	log      *slog.Logger
}

func (l *eventListener) AgentComplete(requestID string, durationMs int64) {
	l.counters.completed.Inc()
	l.log.Info("coordinator: agent completed", "requestId", requestID, "durationMs", durationMs)
}

func (l *eventListener) AgentError(requestID string, err error) {
	l.counters.failed.Inc()
	l.log.Error("coordinator: agent spawn error", "requestId", requestID, "error", err)
}

func (l *eventListener) AgentKilled(requestID string, reason string) {
	l.counters.failed.Inc()
	if reason == "HEARTBEAT_TIMEOUT" {
		l.counters.heartbeatTimeouts.Inc()
	}
	l.log.Warn("coordinator: agent killed", "requestId", requestID, "reason", reason)
}

func (l *eventListener) TimeoutExtended(requestID string, newDeadline time.Duration) {
	l.counters.extensions.Inc()
	l.log.Debug("coordinator: deadline extended", "requestId", requestID, "newDeadline", newDeadline)
}

func (l *eventListener) SilenceWarning(requestID string) {
	l.counters.silenceWarnings.Inc()
	l.log.Warn("coordinator: silence warning", "requestId", requestID)
}

func (l *eventListener) HealthCheckFailed(requestID string) {
	l.counters.healthCheckFail.Inc()
	l.counters.failed.Inc()
	l.log.Warn("coordinator: health check failed", "requestId", requestID)
}
