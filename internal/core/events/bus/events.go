package bus

import "errors"

var ErrNilHandler = errors.New("bus: nil handler")

// Topics and event types published by the session.
const (
	TopicSession = "session"

	EventIdentified   = "session.identified"
	EventReady        = "session.ready"
	EventJoined       = "session.joined"
	EventLogout       = "session.logout"
	EventBridgeOpened = "bridge.opened"
	EventBridgeClosed = "bridge.closed"
)

// UserEvent is the payload of the session.* events.
type UserEvent struct {
	User   string
	Status string
	Reason string
}

// BridgeEvent is the payload of the bridge.* events.
type BridgeEvent struct {
	ID    string
	Users [2]string
	Label string
	// By is the user whose request or departure caused the event.
	By string
}
