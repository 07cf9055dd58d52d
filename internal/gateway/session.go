package gateway

import "time"

// Session is the resolved identity of one authenticated connection.
// Created on successful authentication, destroyed on disconnect; the
// tenant id never changes for the lifetime of the session.
type Session struct {
	ConnectionID string
	UserID       string
	Email        string
	Role         string
	TenantID     string
	ConnectedAt  time.Time
}
