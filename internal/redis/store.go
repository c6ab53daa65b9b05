package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ibs-source/telemetry-relay/internal/sink"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// deviceScript refreshes a device hash. first_seen only moves backwards; the other fields
// are written only when the reading is not older than the stored last_seen.
//
// KEYS[1] device hash
// ARGV first_seen_ms, last_seen_ms, device_id, site, room, lux, temp, light_state
var deviceScript = redis.NewScript(`
local fs = redis.call('HGET', KEYS[1], 'first_seen')
if (not fs) or tonumber(ARGV[1]) < tonumber(fs) then
  redis.call('HSET', KEYS[1], 'first_seen', ARGV[1])
end
local ls = redis.call('HGET', KEYS[1], 'last_seen')
if ls and tonumber(ARGV[2]) < tonumber(ls) then
  return 0
end
redis.call('HSET', KEYS[1], 'last_seen', ARGV[2], 'device_id', ARGV[3], 'site', ARGV[4], 'room', ARGV[5])
local opt = {'last_lux', 'last_temp', 'light_state'}
for i, field in ipairs(opt) do
  local v = ARGV[5 + i]
  if v ~= '' then
    redis.call('HSET', KEYS[1], field, v)
  end
end
return 1
`)

// server replies worth retrying; any other reply is a permanent failure
var transientReplies = []string{"LOADING", "BUSY", "TRYAGAIN", "MASTERDOWN", "READONLY", "CLUSTERDOWN"}

// Store is a sink.Store keeping msgpack documents in Redis.
//
// Layout, for a key prefix p:
//
//	p:<collection>:<message_id>   msgpack document (SET, upsert)
//	p:<collection>:by_ts          sorted set of message ids scored by timestamp in ms
//	p:devices:<device_id>         device registry hash
type Store struct {
	rdb    *redis.Client
	prefix string
}

// NewStore wraps a connected client
func NewStore(rdb *redis.Client, prefix string) *Store {
	return &Store{rdb: rdb, prefix: prefix}
}

// Upsert writes all documents in one pipeline and maps command errors back to documents
func (s *Store) Upsert(ctx context.Context, docs []sink.Document) []sink.Outcome {
	out := make([]sink.Outcome, len(docs))
	cmds := make([][]redis.Cmder, len(docs))
	pipe := s.rdb.Pipeline()

	for i := range docs {
		doc := &docs[i]
		out[i].MessageID = doc.MessageID

		data, err := msgpack.Marshal(doc)
		if err != nil {
			out[i].Err = sink.Permanent(doc.MessageID, fmt.Errorf("encode document: %w", err))
			continue
		}

		key := s.docKey(doc.Collection, doc.MessageID)
		cmds[i] = append(cmds[i],
			pipe.Set(ctx, key, data, 0),
			pipe.ZAdd(ctx, s.indexKey(doc.Collection), redis.Z{
				Score:  float64(doc.Timestamp.UnixMilli()),
				Member: doc.MessageID,
			}),
		)
		if st, ok := doc.Device(); ok {
			cmds[i] = append(cmds[i], deviceScript.Eval(ctx, pipe, []string{s.deviceKey(st.DeviceID)}, deviceArgs(st)...))
		}
		out[i].StorageID = key
	}

	// Exec reports the first failure only; per-command errors are inspected below
	_, _ = pipe.Exec(ctx)

	for i := range docs {
		for _, cmd := range cmds[i] {
			if err := cmd.Err(); err != nil {
				out[i].Err = classify(docs[i].MessageID, err)
				out[i].StorageID = ""
				break
			}
		}
	}
	return out
}

// Get reads back a stored document
func (s *Store) Get(ctx context.Context, col sink.Collection, id string) (sink.Document, error) {
	var doc sink.Document
	data, err := s.rdb.Get(ctx, s.docKey(col, id)).Bytes()
	if err != nil {
		return doc, err
	}
	if err := msgpack.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("decode document %s: %w", id, err)
	}
	return doc, nil
}

// Since returns the ids of col with a timestamp at or after t, oldest first
func (s *Store) Since(ctx context.Context, col sink.Collection, t time.Time) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, s.indexKey(col), &redis.ZRangeBy{
		Min: strconv.FormatInt(t.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
}

// Device reads the registry entry of a device
func (s *Store) Device(ctx context.Context, id string) (sink.DeviceState, bool, error) {
	fields, err := s.rdb.HGetAll(ctx, s.deviceKey(id)).Result()
	if err != nil {
		return sink.DeviceState{}, false, err
	}
	if len(fields) == 0 {
		return sink.DeviceState{}, false, nil
	}
	st, err := parseDevice(fields)
	return st, err == nil, err
}

// Ping checks the connection
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the connection
func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) docKey(col sink.Collection, id string) string {
	return s.prefix + ":" + string(col) + ":" + id
}

func (s *Store) indexKey(col sink.Collection) string {
	return s.prefix + ":" + string(col) + ":by_ts"
}

func (s *Store) deviceKey(id string) string {
	return s.prefix + ":" + string(sink.CollectionDevices) + ":" + id
}

func deviceArgs(st sink.DeviceState) []interface{} {
	args := []interface{}{
		st.FirstSeen.UnixMilli(),
		st.LastSeen.UnixMilli(),
		st.DeviceID,
		st.Site,
		st.Room,
		"", "", "",
	}
	if st.LastLux != nil {
		args[5] = strconv.FormatFloat(*st.LastLux, 'f', -1, 64)
	}
	if st.LastTemp != nil {
		args[6] = strconv.FormatFloat(*st.LastTemp, 'f', -1, 64)
	}
	if st.LightState != nil {
		args[7] = strconv.Itoa(*st.LightState)
	}
	return args
}

func parseDevice(fields map[string]string) (sink.DeviceState, error) {
	st := sink.DeviceState{
		DeviceID: fields["device_id"],
		Site:     fields["site"],
		Room:     fields["room"],
	}
	var err error
	if st.FirstSeen, err = parseMillis(fields["first_seen"]); err != nil {
		return st, fmt.Errorf("first_seen: %w", err)
	}
	if st.LastSeen, err = parseMillis(fields["last_seen"]); err != nil {
		return st, fmt.Errorf("last_seen: %w", err)
	}
	if v, ok := fields["last_lux"]; ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return st, fmt.Errorf("last_lux: %w", err)
		}
		st.LastLux = &f
	}
	if v, ok := fields["last_temp"]; ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return st, fmt.Errorf("last_temp: %w", err)
		}
		st.LastTemp = &f
	}
	if v, ok := fields["light_state"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return st, fmt.Errorf("light_state: %w", err)
		}
		st.LightState = &n
	}
	return st, nil
}

func parseMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// classify maps a Redis error to a sink write error.
// Server error replies are permanent unless the server is temporarily unable to serve;
// network and context errors are retryable.
func classify(id string, err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return sink.Permanent(id, err)
	}
	var reply redis.Error
	if errors.As(err, &reply) {
		msg := reply.Error()
		for _, prefix := range transientReplies {
			if strings.HasPrefix(msg, prefix) {
				return sink.Retryable(id, err)
			}
		}
		return sink.Permanent(id, err)
	}
	return sink.Retryable(id, err)
}
