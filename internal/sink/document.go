package sink

import (
	"time"

	"github.com/ibs-source/telemetry-relay/internal/message"
)

// Collection is the named table or key space a document lands in
type Collection string

const (
	CollectionEvents   Collection = "events"
	CollectionControls Collection = "controls"
	CollectionDevices  Collection = "devices"
)

// AnomalyLightOnNoPresence flags a room lit while nobody is present
const AnomalyLightOnNoPresence = "light_on_no_presence"

// Document is the persisted form of an envelope
type Document struct {
	MessageID   string         `msgpack:"message_id" json:"message_id"`
	Collection  Collection     `msgpack:"collection" json:"collection"`
	Site        string         `msgpack:"site" json:"site"`
	Room        string         `msgpack:"room" json:"room"`
	DeviceID    string         `msgpack:"device_id" json:"device_id"`
	Kind        message.Kind   `msgpack:"kind" json:"kind"`
	Payload     map[string]any `msgpack:"payload" json:"payload"`
	Timestamp   time.Time      `msgpack:"ts" json:"ts"`
	Source      string         `msgpack:"source,omitempty" json:"source,omitempty"`
	Topic       string         `msgpack:"topic,omitempty" json:"topic,omitempty"`
	IngestedAt  time.Time      `msgpack:"ingested_at" json:"ingested_at"`
	AnomalyFlag bool           `msgpack:"anomaly_flag" json:"anomaly_flag"`
	AnomalyType string         `msgpack:"anomaly_type,omitempty" json:"anomaly_type,omitempty"`
}

// DeviceState is the registry row refreshed by each telemetry write
type DeviceState struct {
	DeviceID   string    `msgpack:"device_id" json:"device_id"`
	Site       string    `msgpack:"site" json:"site"`
	Room       string    `msgpack:"room" json:"room"`
	FirstSeen  time.Time `msgpack:"first_seen" json:"first_seen"`
	LastSeen   time.Time `msgpack:"last_seen" json:"last_seen"`
	LastLux    *float64  `msgpack:"last_lux,omitempty" json:"last_lux,omitempty"`
	LastTemp   *float64  `msgpack:"last_temp,omitempty" json:"last_temp,omitempty"`
	LightState *int      `msgpack:"light_state,omitempty" json:"light_state,omitempty"`
}

// NewDocument derives the persisted document from an envelope
func NewDocument(env message.Envelope, ingestedAt time.Time) Document {
	doc := Document{
		MessageID:  env.MessageID,
		Collection: CollectionFor(env.Kind),
		Site:       env.Site,
		Room:       env.Room,
		DeviceID:   env.DeviceID,
		Kind:       env.Kind,
		Payload:    env.Payload,
		Timestamp:  env.Timestamp,
		Source:     env.Source,
		Topic:      env.Topic,
		IngestedAt: ingestedAt,
	}
	if env.Kind == message.KindTelemetry {
		light, hasLight := env.Float("light_state")
		occupied, hasOcc := env.Bool("occupancy")
		if hasLight && light == 1 && hasOcc && !occupied {
			doc.AnomalyFlag = true
			doc.AnomalyType = AnomalyLightOnNoPresence
		}
	}
	return doc
}

// CollectionFor maps an envelope kind to its collection
func CollectionFor(kind message.Kind) Collection {
	if kind == message.KindControl {
		return CollectionControls
	}
	return CollectionEvents
}

// Device returns the registry update carried by a telemetry document.
// FirstSeen is set to the document timestamp; stores keep the earliest value.
func (d *Document) Device() (DeviceState, bool) {
	if d.Kind != message.KindTelemetry || d.DeviceID == "" {
		return DeviceState{}, false
	}
	env := message.Envelope{Payload: d.Payload}
	st := DeviceState{
		DeviceID:  d.DeviceID,
		Site:      d.Site,
		Room:      d.Room,
		FirstSeen: d.Timestamp,
		LastSeen:  d.Timestamp,
	}
	if v, ok := env.Float("lux"); ok {
		st.LastLux = &v
	} else if v, ok := env.Float("brightness"); ok {
		st.LastLux = &v
	}
	if v, ok := env.Float("temp_center_c"); ok {
		st.LastTemp = &v
	}
	if v, ok := env.Float("light_state"); ok {
		ls := int(v)
		st.LightState = &ls
	}
	return st, true
}
