// Package reading defines the telemetry reading value type and the bus
// wire format it arrives in: one JSON document per message, published on
// the per-tenant channel "telemetry:<tenantId>".
package reading

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ChannelPrefix is the bus channel namespace. One channel per tenant.
const ChannelPrefix = "telemetry:"

// WildcardPattern matches every tenant channel (PSUBSCRIBE syntax).
const WildcardPattern = ChannelPrefix + "*"

var (
	// ErrBadChannel is returned when a channel name is not of the form telemetry:<tenantId>.
	ErrBadChannel = errors.New("channel name is not telemetry:<tenantId>")
	// ErrTenantMismatch is returned when a reading's tenantId does not match the channel it arrived on.
	ErrTenantMismatch = errors.New("reading tenantId does not match channel tenant")
)

// Quality is the measurement quality reported by the field protocol.
// Values outside the three enumerated ones are rejected at decode time;
// loosen Decode if a protocol adapter ever needs to pass new ones through.
type Quality string

const (
	QualityGood      Quality = "Good"
	QualityBad       Quality = "Bad"
	QualityUncertain Quality = "Uncertain"
)

// Valid reports whether q is one of the enumerated quality values.
func (q Quality) Valid() bool {
	return q == QualityGood || q == QualityBad || q == QualityUncertain
}

// Reading is one telemetry sample from field monitoring equipment.
// Immutable after decode.
type Reading struct {
	Timestamp      time.Time `json:"timestamp"`
	TenantID       string    `json:"tenantId"`
	WellID         string    `json:"wellId"`
	TagName        string    `json:"tagName"`
	Value          float64   `json:"value"`
	Quality        Quality   `json:"quality"`
	SourceProtocol string    `json:"sourceProtocol"`
}

// wireReading mirrors Reading with pointer fields so Decode can tell a
// missing field from a zero value.
type wireReading struct {
	Timestamp      *time.Time `json:"timestamp"`
	TenantID       *string    `json:"tenantId"`
	WellID         *string    `json:"wellId"`
	TagName        *string    `json:"tagName"`
	Value          *float64   `json:"value"`
	Quality        *Quality   `json:"quality"`
	SourceProtocol *string    `json:"sourceProtocol"`
}

// Decode parses and validates one bus payload. Returns an error describing
// the first validation failure; a non-nil Reading always has every required
// field present and a valid quality.
func Decode(payload []byte) (*Reading, error) {
	var w wireReading
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("malformed reading payload: %w", err)
	}
	switch {
	case w.Timestamp == nil:
		return nil, errors.New("reading missing timestamp")
	case w.TenantID == nil || *w.TenantID == "":
		return nil, errors.New("reading missing tenantId")
	case w.WellID == nil || *w.WellID == "":
		return nil, errors.New("reading missing wellId")
	case w.TagName == nil || *w.TagName == "":
		return nil, errors.New("reading missing tagName")
	case w.Value == nil:
		return nil, errors.New("reading missing value")
	case w.Quality == nil:
		return nil, errors.New("reading missing quality")
	case !w.Quality.Valid():
		return nil, fmt.Errorf("reading has unknown quality %q", *w.Quality)
	case w.SourceProtocol == nil || *w.SourceProtocol == "":
		return nil, errors.New("reading missing sourceProtocol")
	}
	return &Reading{
		Timestamp:      *w.Timestamp,
		TenantID:       *w.TenantID,
		WellID:         *w.WellID,
		TagName:        *w.TagName,
		Value:          *w.Value,
		Quality:        *w.Quality,
		SourceProtocol: *w.SourceProtocol,
	}, nil
}

// TenantFromChannel extracts the tenant id from a channel name of the form
// telemetry:<tenantId>. Returns ErrBadChannel for any other shape.
func TenantFromChannel(channel string) (string, error) {
	rest, ok := strings.CutPrefix(channel, ChannelPrefix)
	if !ok || rest == "" || strings.Contains(rest, ":") {
		return "", ErrBadChannel
	}
	return rest, nil
}

// ChannelForTenant returns the bus channel name for the given tenant.
func ChannelForTenant(tenantID string) string {
	return ChannelPrefix + tenantID
}
