package bus

// Delivery lifecycle topics published by the dispatcher.
const (
	TopicNotifySent     = "notify.sent"
	TopicNotifyRetrying = "notify.retrying"
	TopicNotifyTerminal = "notify.terminal"
)

// Ingestion topic published when an inbound event row is recorded.
const (
	TopicEventIngested = "event.ingested"
)

// DeliveryEvent is published for every delivery attempt outcome.
type DeliveryEvent struct {
	TaskID      int64  // Task the notification belongs to
	MessageKind string // waiting_user, codegen, review_needed, final, failed, stopped, llm_requeue, send_to_user
	AttemptNo   int    // 1-based attempt counter
	ChatID      int64  // Destination chat (0 when unknown)
	Error       string // Last error text for retrying/terminal outcomes
}

// IngestEvent is published when an inbound event row is inserted or deduped.
type IngestEvent struct {
	EventID    int64
	Source     string
	ExternalID string
	Duplicate  bool
}
