// Package postgres implements the document store on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/ibs-source/telemetry-relay/internal/config"
	"github.com/ibs-source/telemetry-relay/internal/log"
	"github.com/ibs-source/telemetry-relay/internal/message"
	"github.com/ibs-source/telemetry-relay/internal/sink"
	"github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id           BIGSERIAL PRIMARY KEY,
	message_id   TEXT NOT NULL UNIQUE,
	site         TEXT NOT NULL,
	room         TEXT NOT NULL,
	device_id    TEXT NOT NULL,
	kind         TEXT NOT NULL,
	payload      JSONB NOT NULL,
	ts           TIMESTAMPTZ NOT NULL,
	source       TEXT,
	topic        TEXT,
	ingested_at  TIMESTAMPTZ NOT NULL,
	anomaly_flag BOOLEAN NOT NULL DEFAULT FALSE,
	anomaly_type TEXT
);
CREATE INDEX IF NOT EXISTS events_device_ts_idx ON events (device_id, ts);
CREATE TABLE IF NOT EXISTS controls (LIKE events INCLUDING ALL);
CREATE TABLE IF NOT EXISTS devices (
	device_id   TEXT PRIMARY KEY,
	site        TEXT NOT NULL,
	room        TEXT NOT NULL,
	first_seen  TIMESTAMPTZ NOT NULL,
	last_seen   TIMESTAMPTZ NOT NULL,
	last_lux    DOUBLE PRECISION,
	last_temp   DOUBLE PRECISION,
	light_state INTEGER
);`

const upsertDocumentSQL = `
INSERT INTO %s (message_id, site, room, device_id, kind, payload, ts, source, topic,
	ingested_at, anomaly_flag, anomaly_type)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, NULLIF($8, ''), NULLIF($9, ''), $10, $11, NULLIF($12, ''))
ON CONFLICT (message_id) DO UPDATE SET
	site = EXCLUDED.site,
	room = EXCLUDED.room,
	device_id = EXCLUDED.device_id,
	kind = EXCLUDED.kind,
	payload = EXCLUDED.payload,
	ts = EXCLUDED.ts,
	source = EXCLUDED.source,
	topic = EXCLUDED.topic,
	ingested_at = EXCLUDED.ingested_at,
	anomaly_flag = EXCLUDED.anomaly_flag,
	anomaly_type = EXCLUDED.anomaly_type
RETURNING id`

// Readings older than the stored last_seen only move first_seen.
const upsertDeviceSQL = `
INSERT INTO devices (device_id, site, room, first_seen, last_seen, last_lux, last_temp, light_state)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (device_id) DO UPDATE SET
	first_seen  = LEAST(devices.first_seen, EXCLUDED.first_seen),
	last_seen   = GREATEST(devices.last_seen, EXCLUDED.last_seen),
	site        = CASE WHEN EXCLUDED.last_seen >= devices.last_seen THEN EXCLUDED.site ELSE devices.site END,
	room        = CASE WHEN EXCLUDED.last_seen >= devices.last_seen THEN EXCLUDED.room ELSE devices.room END,
	last_lux    = CASE WHEN EXCLUDED.last_seen >= devices.last_seen
		THEN COALESCE(EXCLUDED.last_lux, devices.last_lux) ELSE devices.last_lux END,
	last_temp   = CASE WHEN EXCLUDED.last_seen >= devices.last_seen
		THEN COALESCE(EXCLUDED.last_temp, devices.last_temp) ELSE devices.last_temp END,
	light_state = CASE WHEN EXCLUDED.last_seen >= devices.last_seen
		THEN COALESCE(EXCLUDED.light_state, devices.light_state) ELSE devices.light_state END`

// SQLSTATE classes worth retrying: connection exception, transaction rollback,
// insufficient resources, operator intervention
var retryableClasses = map[pq.ErrorClass]struct{}{
	"08": {}, "40": {}, "53": {}, "57": {},
}

// Store is a sink.Store on PostgreSQL. The connection pool is opened on first use and
// re-opened after a connection-level failure.
type Store struct {
	cfg config.PostgresConfig
	log *log.Logger

	mu sync.Mutex
	db *sql.DB
}

// NewStore creates a store; no connection is made until the first call
func NewStore(cfg config.PostgresConfig, logger *log.Logger) *Store {
	return &Store{cfg: cfg, log: logger}
}

// handle returns the shared pool, opening it and creating the schema if needed
func (s *Store) handle(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return s.db, nil
	}

	db, err := sql.Open("postgres", s.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if s.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s.log.Info("Connected to PostgreSQL store")
	s.db = db
	return db, nil
}

// invalidate drops the pool if it is still the one that failed
func (s *Store) invalidate(db *sql.DB, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != db {
		return
	}
	s.log.Warn("Dropping PostgreSQL connection pool: %v", cause)
	_ = db.Close()
	s.db = nil
}

// Upsert writes documents one by one so a failing row does not fail the batch
func (s *Store) Upsert(ctx context.Context, docs []sink.Document) []sink.Outcome {
	out := make([]sink.Outcome, len(docs))
	for i := range docs {
		out[i].MessageID = docs[i].MessageID
	}

	db, err := s.handle(ctx)
	if err != nil {
		for i := range out {
			out[i].Err = sink.Retryable(docs[i].MessageID, err)
		}
		return out
	}

	for i := range docs {
		id, err := s.upsertOne(ctx, db, &docs[i])
		if err != nil {
			out[i].Err = classify(docs[i].MessageID, err)
			if isConnectionError(err) {
				s.invalidate(db, err)
				for j := i + 1; j < len(docs); j++ {
					out[j].Err = sink.Retryable(docs[j].MessageID, err)
				}
				return out
			}
			continue
		}
		out[i].StorageID = string(docs[i].Collection) + "/" + strconv.FormatInt(id, 10)
	}
	return out
}

func (s *Store) upsertOne(ctx context.Context, db *sql.DB, doc *sink.Document) (int64, error) {
	table, err := tableFor(doc.Collection)
	if err != nil {
		return 0, err
	}
	payload, err := json.Marshal(doc.Payload)
	if err != nil {
		return 0, sink.Permanent(doc.MessageID, fmt.Errorf("encode payload: %w", err))
	}

	var id int64
	err = db.QueryRowContext(ctx, fmt.Sprintf(upsertDocumentSQL, table),
		doc.MessageID, doc.Site, doc.Room, doc.DeviceID, string(doc.Kind), string(payload),
		doc.Timestamp, doc.Source, doc.Topic, doc.IngestedAt, doc.AnomalyFlag, doc.AnomalyType,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert %s %s: %w", table, doc.MessageID, err)
	}

	if st, ok := doc.Device(); ok {
		_, err = db.ExecContext(ctx, upsertDeviceSQL,
			st.DeviceID, st.Site, st.Room, st.FirstSeen, st.LastSeen, st.LastLux, st.LastTemp, st.LightState)
		if err != nil {
			return 0, fmt.Errorf("upsert device %s: %w", st.DeviceID, err)
		}
	}
	return id, nil
}

// Get reads back a stored document
func (s *Store) Get(ctx context.Context, col sink.Collection, messageID string) (sink.Document, error) {
	doc := sink.Document{Collection: col}
	table, err := tableFor(col)
	if err != nil {
		return doc, err
	}
	db, err := s.handle(ctx)
	if err != nil {
		return doc, err
	}

	var (
		kind, payload              string
		source, topic, anomalyType sql.NullString
	)
	err = db.QueryRowContext(ctx, fmt.Sprintf(`SELECT message_id, site, room, device_id, kind, payload, ts,
		source, topic, ingested_at, anomaly_flag, anomaly_type FROM %s WHERE message_id = $1`, table), messageID).
		Scan(&doc.MessageID, &doc.Site, &doc.Room, &doc.DeviceID, &kind, &payload, &doc.Timestamp,
			&source, &topic, &doc.IngestedAt, &doc.AnomalyFlag, &anomalyType)
	if err != nil {
		return doc, err
	}
	doc.Kind = message.Kind(kind)
	doc.Source, doc.Topic, doc.AnomalyType = source.String, topic.String, anomalyType.String
	if err := json.Unmarshal([]byte(payload), &doc.Payload); err != nil {
		return doc, fmt.Errorf("decode payload of %s: %w", messageID, err)
	}
	return doc, nil
}

// Count returns the number of rows in a collection
func (s *Store) Count(ctx context.Context, col sink.Collection) (int, error) {
	table, err := tableFor(col)
	if err != nil {
		return 0, err
	}
	db, err := s.handle(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	err = db.QueryRowContext(ctx, "SELECT count(*) FROM "+table).Scan(&n)
	return n, err
}

// Device reads the registry row of a device
func (s *Store) Device(ctx context.Context, id string) (sink.DeviceState, bool, error) {
	var st sink.DeviceState
	db, err := s.handle(ctx)
	if err != nil {
		return st, false, err
	}

	var (
		lux, temp sql.NullFloat64
		light     sql.NullInt64
	)
	err = db.QueryRowContext(ctx, `SELECT device_id, site, room, first_seen, last_seen, last_lux, last_temp,
		light_state FROM devices WHERE device_id = $1`, id).
		Scan(&st.DeviceID, &st.Site, &st.Room, &st.FirstSeen, &st.LastSeen, &lux, &temp, &light)
	if errors.Is(err, sql.ErrNoRows) {
		return st, false, nil
	}
	if err != nil {
		return st, false, err
	}
	if lux.Valid {
		st.LastLux = &lux.Float64
	}
	if temp.Valid {
		st.LastTemp = &temp.Float64
	}
	if light.Valid {
		v := int(light.Int64)
		st.LightState = &v
	}
	return st, true, nil
}

// Ping opens the pool if needed and checks it
func (s *Store) Ping(ctx context.Context) error {
	db, err := s.handle(ctx)
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		s.invalidate(db, err)
		return err
	}
	return nil
}

// Close closes the pool
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func tableFor(col sink.Collection) (string, error) {
	switch col {
	case sink.CollectionEvents, sink.CollectionControls:
		return string(col), nil
	}
	return "", sink.Permanent("", fmt.Errorf("unknown collection %q", col))
}

// classify maps a database error to a sink write error
func classify(id string, err error) error {
	var swe *message.SinkWriteError
	if errors.As(err, &swe) {
		swe.MessageID = id
		return swe
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if _, ok := retryableClasses[pqErr.Code.Class()]; ok {
			return sink.Retryable(id, err)
		}
		return sink.Permanent(id, err)
	}
	return sink.Retryable(id, err)
}

// isConnectionError reports failures after which the pool should be re-opened
func isConnectionError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == "08"
	}
	return errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone)
}
