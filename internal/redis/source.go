package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/ibs-source/telemetry-relay/internal/config"
	"github.com/ibs-source/telemetry-relay/internal/log"
	"github.com/ibs-source/telemetry-relay/internal/message"
	"github.com/redis/go-redis/v9"
)

// TransportName identifies deliveries coming from a Redis stream
const TransportName = "redis"

// Stream entry fields. An entry carrying BodyField is a raw JSON message; any other entry
// is a flat field map.
const (
	BodyField  = "body"
	TopicField = "topic"
)

// identity fields are kept as strings even when they look like numbers
var identityFields = map[string]struct{}{
	"message_id": {}, "trace_id": {},
	"device_id": {}, "deviceId": {},
	"site": {}, "room": {}, "kind": {},
	"source": {}, "topic": {},
}

// Source consumes one Redis stream through a consumer group
type Source struct {
	rdb                 *redis.Client
	stream              string
	group               string
	consumer            string
	batchSize           int64
	blockTimeout        time.Duration
	claimIdle           time.Duration
	consumerIdleTimeout time.Duration
	cleanupInterval     time.Duration
	errorBackoff        time.Duration
	ackTimeout          time.Duration
	// held tracks entries handed to the handler and not yet acknowledged or released;
	// the claim loop never re-delivers them.
	held sync.Map
	log  *log.Logger
}

// NewSource creates a stream source and makes sure the consumer group exists
func NewSource(
	ctx context.Context,
	rdb *redis.Client,
	cfg *config.RedisConfig,
	relay *config.RelayConfig,
	logger *log.Logger,
) (*Source, error) {
	s := &Source{
		rdb:                 rdb,
		stream:              cfg.Stream,
		group:               cfg.Group,
		consumer:            cfg.Consumer,
		batchSize:           int64(cfg.BatchSize),
		blockTimeout:        cfg.BlockTimeout,
		claimIdle:           cfg.ClaimIdle,
		consumerIdleTimeout: cfg.ConsumerIdleTimeout,
		cleanupInterval:     cfg.CleanupInterval,
		errorBackoff:        relay.ErrorBackoff,
		ackTimeout:          relay.AckTimeout,
		log:                 logger,
	}
	if err := s.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Source) ensureGroup(ctx context.Context) error {
	err := s.rdb.XGroupCreateMkStream(ctx, s.stream, s.group, "0").Err()
	if err != nil {
		if strings.HasPrefix(err.Error(), "BUSYGROUP") {
			s.log.Info("Consumer group '%s' already exists for stream '%s', joining existing group", s.group, s.stream)
			return nil
		}
		return fmt.Errorf("failed to create consumer group for stream %s: %w", s.stream, err)
	}
	s.log.Info("Created consumer group '%s' for stream '%s'", s.group, s.stream)
	return nil
}

// Run consumes the stream until ctx is done or the handler reports shutdown
func (s *Source) Run(ctx context.Context, handle message.Handler) error {
	s.log.Info("Starting Redis stream source on '%s' (group %s, consumer %s)", s.stream, s.group, s.consumer)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	startLoop(ctx, &wg, "fetch", func(ctx context.Context) error { return s.fetchLoop(ctx, handle) }, errCh)
	startLoop(ctx, &wg, "claim", func(ctx context.Context) error { return s.claimLoop(ctx, handle) }, errCh)
	startLoop(ctx, &wg, "cleanup", s.cleanupLoop, errCh)

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-errCh:
	}
	cancel()
	wg.Wait()

	if errors.Is(err, message.ErrShuttingDown) {
		s.log.Info("Relay is shutting down, stopping Redis stream source")
		return nil
	}
	return err
}

// fetchLoop continuously reads new entries
func (s *Source) fetchLoop(ctx context.Context, handle message.Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		entries, err := s.ReadBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Error("Failed to read batch from Redis: %v", err)
			if err := sleepCtx(ctx, s.errorBackoff); err != nil {
				return err
			}
			continue
		}
		if len(entries) == 0 {
			continue
		}

		s.log.Debug("Fetched %d entries from stream %s", len(entries), s.stream)
		if err := s.dispatch(ctx, entries, handle); err != nil {
			return err
		}
	}
}

// claimLoop periodically takes over entries left idle in the pending list
func (s *Source) claimLoop(ctx context.Context, handle message.Handler) error {
	ticker := time.NewTicker(s.claimIdle)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			entries, err := s.ClaimIdle(ctx)
			if err != nil {
				s.log.Error("Failed to claim idle entries: %v", err)
				continue
			}
			if len(entries) == 0 {
				continue
			}
			s.log.Info("Claimed %d idle entries", len(entries))
			if err := s.dispatch(ctx, entries, handle); err != nil {
				return err
			}
		}
	}
}

// cleanupLoop periodically removes dead consumers from the group
func (s *Source) cleanupLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.CleanupDeadConsumers(ctx, s.consumerIdleTimeout); err != nil {
				s.log.Error("Failed to cleanup dead consumers: %v", err)
			}
		}
	}
}

// dispatch hands entries to the relay in stream order. On backpressure the remaining
// entries stay pending and the claim loop re-delivers them later.
func (s *Source) dispatch(ctx context.Context, entries []redis.XMessage, handle message.Handler) error {
	for i := range entries {
		entry := entries[i]
		if len(entry.Values) == 0 {
			// deleted while pending
			s.ackEntry(entry.ID)
			continue
		}

		s.held.Store(entry.ID, struct{}{})
		err := handle(s.toDelivery(entry))
		if err == nil {
			continue
		}
		s.held.Delete(entry.ID)

		switch {
		case errors.Is(err, message.ErrQueueFull):
			s.log.Warn("Relay queue full, leaving %d entries of stream %s pending", len(entries)-i, s.stream)
			return sleepCtx(ctx, s.errorBackoff)
		case errors.Is(err, message.ErrShuttingDown):
			return err
		default:
			s.log.Error("Entry %s of stream %s rejected: %v", entry.ID, s.stream, err)
		}
	}
	return nil
}

func (s *Source) toDelivery(entry redis.XMessage) message.Delivery {
	topic, body := entryBody(s.stream, entry.Values)
	id := entry.ID
	return message.Delivery{
		Transport: TransportName,
		Topic:     topic,
		Body:      body,
		Ack:       func() { s.ackEntry(id) },
		Release:   func() { s.held.Delete(id) },
	}
}

func (s *Source) ackEntry(id string) {
	defer s.held.Delete(id)

	ctx, cancel := context.WithTimeout(context.Background(), s.ackTimeout)
	defer cancel()

	if err := s.AckAndDelete(ctx, id); err != nil {
		s.log.Error("Failed to ACK entry %s of stream %s: %v (it will be reclaimed)", id, s.stream, err)
		return
	}
	s.log.Trace("Acknowledged entry %s of stream %s", id, s.stream)
}

// ReadBatch fetches new entries using XREADGROUP
func (s *Source) ReadBatch(ctx context.Context) ([]redis.XMessage, error) {
	result, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.stream, ">"},
		Count:    s.batchSize,
		Block:    s.blockTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup failed: %w", err)
	}

	var entries []redis.XMessage
	for _, stream := range result {
		entries = append(entries, stream.Messages...)
	}
	return entries, nil
}

// ClaimIdle takes over pending entries idle for longer than the claim interval,
// skipping the ones this source still holds
func (s *Source) ClaimIdle(ctx context.Context) ([]redis.XMessage, error) {
	pending, err := s.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.stream,
		Group:  s.group,
		Idle:   s.claimIdle,
		Start:  "-",
		End:    "+",
		Count:  s.batchSize,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xpending failed: %w", err)
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		if _, held := s.held.Load(p.ID); held {
			continue
		}
		ids = append(ids, p.ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	claimed, err := s.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   s.stream,
		Group:    s.group,
		Consumer: s.consumer,
		MinIdle:  s.claimIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xclaim failed: %w", err)
	}
	return claimed, nil
}

// AckAndDelete acknowledges and deletes an entry in one round trip
func (s *Source) AckAndDelete(ctx context.Context, id string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, s.stream, s.group, id)
		pipe.XDel(ctx, s.stream, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("xack/xdel failed for entry %s in stream %s: %w", id, s.stream, err)
	}
	return nil
}

// entryBody converts stream entry fields into a delivery body and topic.
// Field values are JSON-decoded where possible so numbers and booleans keep their type.
func entryBody(stream string, values map[string]interface{}) (string, message.Inbound) {
	topic := stream
	if t, ok := values[TopicField].(string); ok && t != "" {
		topic = t
	}

	if body, ok := values[BodyField].(string); ok {
		return topic, message.RawBytes([]byte(body))
	}

	doc := make(map[string]any, len(values))
	for k, v := range values {
		str, ok := v.(string)
		if !ok {
			doc[k] = v
			continue
		}
		if _, identity := identityFields[k]; identity {
			doc[k] = str
			continue
		}
		doc[k] = decodeScalar(str)
	}
	return topic, message.Structured(doc)
}

func decodeScalar(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}
