package main

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/ibs-source/telemetry-relay/internal/config"
	"github.com/ibs-source/telemetry-relay/internal/control"
	"github.com/ibs-source/telemetry-relay/internal/log"
	"github.com/ibs-source/telemetry-relay/internal/message"
	"github.com/ibs-source/telemetry-relay/internal/mqtt"
	"github.com/ibs-source/telemetry-relay/internal/relay"
	"github.com/ibs-source/telemetry-relay/internal/tracker"
)

// encoder writes the wire form of a command envelope
type encoder interface {
	Encode(env message.Envelope) ([]byte, error)
}

// commander connects control sessions to the relay: persisted telemetry feeds the
// sessions, and every issued command is persisted through the relay before it is
// published to the device.
type commander struct {
	cfg      *config.MQTTConfig
	codec    encoder
	pub      mqtt.Publisher
	sessions *control.Manager
	relay    *relay.Relay
	log      *log.Logger
}

// persisted is the relay hook for confirmed writes
func (c *commander) persisted(env message.Envelope, _ tracker.Record) {
	if env.Kind != message.KindTelemetry {
		return
	}
	if cmd, ok := c.sessions.Observe(env); ok {
		c.issue(cmd)
	}
}

// issue admits the command envelope; its ack publishes the command. A re-issue is
// a duplicate for the relay, so it is published again without a second write.
func (c *commander) issue(cmd control.Command) {
	env := cmd.Envelope()
	topic := cmd.Topic(c.cfg.CommandTopicPrefix)

	err := c.relay.SubmitEnvelope(env, func() { c.publish(cmd, topic, env) })
	switch {
	case err == nil:
	case errors.Is(err, message.ErrShuttingDown):
		c.log.Debug("Dropping command %s: relay shutting down", cmd.ID)
	default:
		// the session keeps the command pending and re-issues it after the timeout
		c.log.Warn("Command %s for device %s not admitted: %v", cmd.ID, cmd.DeviceID, err)
	}
}

func (c *commander) publish(cmd control.Command, topic string, env message.Envelope) {
	payload, err := c.codec.Encode(env)
	if err != nil {
		c.log.Error("Failed to encode command %s: %v", cmd.ID, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()
	if err := c.pub.Publish(ctx, topic, payload); err != nil {
		c.log.Error("Failed to publish command %s to %s: %v", cmd.ID, topic, err)
		return
	}

	c.log.InfoWithFields(logrus.Fields{
		"command_id":    cmd.ID,
		"device_id":     cmd.DeviceID,
		"desired_light": cmd.DesiredLight,
		"reason":        cmd.Reason,
		"attempt":       cmd.Attempt,
	}, "Published command to %s", topic)
}
