package metrics

import (
	"time"

	"chatguard/internal/bus"
)

var (
	UpdatesTotal       = Collector.Counter("chatguard_updates_total", "Updates accepted by the dispatcher", "")
	DuplicatesTotal    = Collector.Counter("chatguard_updates_duplicate_total", "Updates dropped as redeliveries", "")
	DroppedTotal       = Collector.Counter("chatguard_updates_dropped_total", "Updates rejected during shutdown", "")
	DeletesTotal       = Collector.Counter("chatguard_deletes_total", "Messages deleted", "")
	DeleteFailures     = Collector.Counter("chatguard_delete_failures_total", "Failed delete attempts", "")
	WarningsSent       = Collector.Counter("chatguard_warnings_sent_total", "Warnings posted", "")
	WarningsSuppressed = Collector.Counter("chatguard_warnings_suppressed_total", "Warnings skipped by cooldown", "")
	WarningFailures    = Collector.Counter("chatguard_warning_failures_total", "Failed warning sends", "")
	QueueDepth         = Collector.Gauge("chatguard_queue_depth", "Updates waiting or in flight", "") // sourced from the dispatcher

	ActionLatency = Collector.Histogram("chatguard_action_latency_seconds", "Time spent executing a decision", "",
		[]float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10})
)

// Decisions returns the decision counter for a verdict/reason pair.
func Decisions(verdict, reason string) *Counter {
	if reason == "" {
		reason = "none"
	}
	return Collector.Counter("chatguard_decisions_total", "Policy decisions by verdict and reason",
		Label("verdict", verdict)+","+Label("reason", reason))
}

// Attach subscribes the moderation metrics to eb.
func Attach(eb *bus.EventBus) {
	eb.On("*", func(e bus.Event) {
		switch e.Type {
		case bus.EventUpdateReceived:
			UpdatesTotal.Inc()
		case bus.EventUpdateDuplicate:
			DuplicatesTotal.Inc()
		case bus.EventUpdateDropped:
			DroppedTotal.Inc()
		case bus.EventDecisionMade:
			verdict, _ := e.Payload["verdict"].(string)
			reason, _ := e.Payload["reason"].(string)
			Decisions(verdict, reason).Inc()
		case bus.EventMessageDeleted:
			DeletesTotal.Inc()
		case bus.EventDeleteFailed:
			DeleteFailures.Inc()
		case bus.EventWarningSent:
			WarningsSent.Inc()
		case bus.EventWarningSuppressed:
			WarningsSuppressed.Inc()
		case bus.EventWarningFailed:
			WarningFailures.Inc()
		case bus.EventActionCompleted:
			if d, ok := e.Payload["duration"].(time.Duration); ok {
				ActionLatency.Observe(d.Seconds())
			}
		}
	})
}
