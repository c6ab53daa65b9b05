package control

import (
	"strings"
	"time"

	"github.com/ibs-source/telemetry-relay/internal/message"
)

// Reasons attached to issued commands
const (
	ReasonOccupancy = "occupancy_detected"
	ReasonVacancy   = "vacancy_timeout"
)

// Command asks a device to switch its light
type Command struct {
	ID           string
	Site         string
	Room         string
	DeviceID     string
	DesiredLight int
	Reason       string
	// EventID is the message id of the telemetry reading that triggered the command
	EventID string
	// DetectedAt is the timestamp of that reading
	DetectedAt time.Time
	// IssuedAt is the wall time of the first issue; re-issues keep it
	IssuedAt time.Time
	// SentAt is the wall time of the latest attempt
	SentAt  time.Time
	Attempt int
}

// Envelope is the persisted and published form of the command.
// Re-issues produce the same envelope so the relay deduplicates the write.
func (c Command) Envelope() message.Envelope {
	return message.Envelope{
		MessageID: c.ID,
		Site:      c.Site,
		Room:      c.Room,
		DeviceID:  c.DeviceID,
		Kind:      message.KindControl,
		Payload: map[string]any{
			"desired_light": float64(c.DesiredLight),
			"reason":        c.Reason,
			"ts_detect":     float64(c.DetectedAt.UnixMilli()),
			"ts_control":    float64(c.IssuedAt.UnixMilli()),
			"event_id":      c.EventID,
		},
		Timestamp: c.IssuedAt.UTC().Truncate(time.Millisecond),
		Source:    "relay",
	}
}

// Topic returns <prefix>/<site>/<room>/<device>/set
func (c Command) Topic(prefix string) string {
	return strings.Join([]string{prefix, c.Site, c.Room, c.DeviceID, "set"}, "/")
}
