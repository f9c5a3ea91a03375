package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Event is an inbound row in the append-only events table. Every Telegram
// update and webhook the system sees lands here exactly once, keyed by
// (source, external_id).
type Event struct {
	ID          int64          `json:"id"`
	Source      string         `json:"source"`
	ExternalID  string         `json:"external_id"`
	EventType   string         `json:"event_type,omitempty"`
	TGID        *int64         `json:"tg_id,omitempty"`
	ChatID      *int64         `json:"chat_id,omitempty"`
	RequestKind string         `json:"request_kind,omitempty"`
	Payload     map[string]any `json:"payload"`
	PayloadHash string         `json:"payload_hash"`
	CreatedAt   time.Time      `json:"created_at"`
}

// CanonicalPayload renders the payload as compact JSON with sorted object
// keys and no HTML escaping, the form the payload_hash is computed over.
func CanonicalPayload(payload map[string]any) ([]byte, error) {
	// encoding/json emits map keys in sorted order and compact output; the
	// Encoder is needed to keep <, > and & literal.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func payloadHash(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// InsertEvent records an inbound event. Duplicate (source, external_id) pairs
// are ignored and the surviving row id is returned with inserted=false, so
// redelivered upstream events never create a second row.
func (s *Store) InsertEvent(ctx context.Context, source, externalID string, payload map[string]any) (id int64, inserted bool, err error) {
	canonical, err := CanonicalPayload(payload)
	if err != nil {
		return 0, false, err
	}
	hash := payloadHash(canonical)

	eventType, _ := payload["event_type"].(string)
	var tgID, chatID *int64
	if tg, ok := payload["tg"].(map[string]any); ok {
		tgID = intField(tg, "tg_id")
		chatID = intField(tg, "chat_id")
	}
	var requestKind string
	if req, ok := payload["request"].(map[string]any); ok {
		requestKind, _ = req["kind"].(string)
	}

	err = retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			INSERT INTO events (source, external_id, event_type, tg_id, chat_id, request_kind, payload, payload_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (source, external_id) DO NOTHING;
		`, source, externalID, nullString(eventType), tgID, chatID, nullString(requestKind), string(canonical), hash)
		if execErr != nil {
			return execErr
		}
		affected, execErr := res.RowsAffected()
		if execErr != nil {
			return execErr
		}
		inserted = affected > 0
		return s.db.QueryRowContext(ctx, `
			SELECT id FROM events WHERE source = ? AND external_id = ?;
		`, source, externalID).Scan(&id)
	})
	if err != nil {
		return 0, false, fmt.Errorf("insert event %s/%s: %w", source, externalID, err)
	}
	return id, inserted, nil
}

// GetEvent loads one event row by id.
func (s *Store) GetEvent(ctx context.Context, id int64) (*Event, error) {
	var (
		ev          Event
		eventType   sql.NullString
		tgID        sql.NullInt64
		chatID      sql.NullInt64
		requestKind sql.NullString
		payload     string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, source, external_id, event_type, tg_id, chat_id, request_kind, payload, payload_hash, created_at
		FROM events WHERE id = ?;
	`, id).Scan(&ev.ID, &ev.Source, &ev.ExternalID, &eventType, &tgID, &chatID, &requestKind, &payload, &ev.PayloadHash, &ev.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get event %d: %w", id, err)
	}
	ev.EventType = eventType.String
	if tgID.Valid {
		ev.TGID = &tgID.Int64
	}
	if chatID.Valid {
		ev.ChatID = &chatID.Int64
	}
	ev.RequestKind = requestKind.String
	if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
		return nil, fmt.Errorf("decode event %d payload: %w", id, err)
	}
	return &ev, nil
}

// intField reads an integer-valued key from a decoded JSON object. JSON
// numbers arrive as float64; zero values are treated as absent.
func intField(m map[string]any, key string) *int64 {
	switch v := m[key].(type) {
	case float64:
		n := int64(v)
		if n != 0 {
			return &n
		}
	case int64:
		if v != 0 {
			n := v
			return &n
		}
	case int:
		if v != 0 {
			n := int64(v)
			return &n
		}
	case json.Number:
		if n, err := v.Int64(); err == nil && n != 0 {
			return &n
		}
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
