package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the core components. Host/UI consumers subscribe
// by prefix, e.g. "request." for everything the request syncer emits.
const (
	KindRequestInserted      = "request.inserted"
	KindRequestUpdated       = "request.updated"
	KindRequestStatusChanged = "request.status_changed"
	KindRequestDeleted       = "request.deleted"

	KindNotificationReceived = "notification.received"

	KindChatMessage       = "chat.message"
	KindChatPersisted     = "chat.persisted"
	KindChatPersistFailed = "chat.persist_failed"
	KindPresenceChanged   = "presence.changed"

	KindLinkStatusChanged = "link.status_changed"
	KindAppForeground     = "app.foreground"
	KindAppBackground     = "app.background"
)
