package gateway

// Server→client event names.
const (
	EventConnected    = "connected"
	EventSubscribed   = "subscribed"
	EventUnsubscribed = "unsubscribed"
	EventReading      = "reading"
	EventError        = "error"
)

// Client→server event names.
const (
	ClientEventSubscribeWell   = "subscribe-well"
	ClientEventUnsubscribeWell = "unsubscribe-well"
)

// Event is one framed message in either direction.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// ConnectedData acknowledges a successful connection.
type ConnectedData struct {
	TenantID string `json:"tenantId"`
}

// WellData acknowledges a well subscribe/unsubscribe.
type WellData struct {
	WellID string `json:"wellId"`
}

// ErrorData reports a client protocol error without closing the connection.
type ErrorData struct {
	Message string `json:"message"`
}

// clientFrame is the decoded form of a client→server message.
type clientFrame struct {
	Event string `json:"event"`
	Data  struct {
		WellID string `json:"wellId"`
	} `json:"data"`
}
