package mqtt

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/ibs-source/telemetry-relay/internal/message"
)

type wireAck struct {
	CommandID string `json:"command_id"`
	ID        string `json:"id"`
	DeviceID  string `json:"device_id"`
	OK        *bool  `json:"ok"`
	Timestamp int64  `json:"ts"`
}

// parseAck parses a device command acknowledgment. The device id falls back to the
// topic segment <prefix>/<site>/<room>/<device>/ack.
func parseAck(topic string, payload []byte) (message.CommandAck, error) {
	var w wireAck
	if err := json.Unmarshal(payload, &w); err != nil {
		return message.CommandAck{}, fmt.Errorf("failed to parse ack: %w", err)
	}

	ack := message.CommandAck{
		CommandID: w.CommandID,
		DeviceID:  w.DeviceID,
		OK:        true,
		Timestamp: w.Timestamp,
	}
	if ack.CommandID == "" {
		ack.CommandID = w.ID
	}
	if w.OK != nil {
		ack.OK = *w.OK
	}
	if ack.DeviceID == "" {
		ack.DeviceID = deviceFromTopic(topic)
	}

	if ack.CommandID == "" && ack.DeviceID == "" {
		return message.CommandAck{}, fmt.Errorf("ack names neither a command nor a device")
	}
	return ack, nil
}

// deviceFromTopic reads <prefix>/<site>/<room>/<device>/ack, where the prefix may
// itself span several levels
func deviceFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	n := len(parts)
	if n < 5 || parts[n-1] != "ack" {
		return ""
	}
	return parts[n-2]
}
