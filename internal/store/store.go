// Package store is the authoritative dedup boundary: a message is stored
// at most once per (subscription, server id), no matter how many times the
// transport redelivers it across reconnect replays.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"courier/internal/models"
)

// AppendResult discriminates the outcome of an Append.
type AppendResult int

const (
	Inserted AppendResult = iota
	AlreadyPresent
)

// HistoryQuery selects a page of stored messages.
type HistoryQuery struct {
	After  int64 // exclusive lower bound on message time, 0 = none
	Before int64 // exclusive upper bound on message time, 0 = none
	Limit  int   // page size, defaults to 100
	Newest bool  // newest-first instead of oldest-first
}

// Store persists received messages in SQLite.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// New creates a store over an already-migrated database.
func New(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{db: db, log: log.With().Str("component", "store").Logger()}
}

// Append records a message, idempotent by (subscription, message id).
// Returns AlreadyPresent without touching the row when the key exists.
func (s *Store) Append(msg models.Message) (AppendResult, error) {
	tags := strings.Join(msg.Tags, ",")

	var attachment string
	if msg.Attachment != nil {
		b, err := json.Marshal(msg.Attachment)
		if err != nil {
			return 0, fmt.Errorf("encode attachment: %w", err)
		}
		attachment = string(b)
	}

	res, err := s.db.Exec(`
		INSERT INTO messages
			(subscription_id, msg_id, time, title, body, priority, tags, click, icon, attachment_json, actions_json, raw)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(subscription_id, msg_id) DO NOTHING`,
		msg.SubscriptionID, msg.ID, msg.Time, msg.Title, msg.Body, msg.Priority,
		tags, msg.Click, msg.Icon, attachment, string(msg.Actions), string(msg.Raw))
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("append message: rows affected: %w", err)
	}
	if n == 0 {
		return AlreadyPresent, nil
	}
	return Inserted, nil
}

// History returns a page of messages for one subscription, ordered by
// server time then id. Replay after reconnect can interleave arrival
// order, so arrival order is never exposed.
func (s *Store) History(subID string, q HistoryQuery) ([]models.Message, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	where := `WHERE subscription_id = ?`
	args := []interface{}{subID}
	if q.After > 0 {
		where += ` AND time > ?`
		args = append(args, q.After)
	}
	if q.Before > 0 {
		where += ` AND time < ?`
		args = append(args, q.Before)
	}

	order := `ORDER BY time, msg_id`
	if q.Newest {
		order = `ORDER BY time DESC, msg_id DESC`
	}
	args = append(args, q.Limit)

	rows, err := s.db.Query(`
		SELECT subscription_id, msg_id, time, title, body, priority, tags, click, icon, attachment_json, actions_json, raw
		FROM messages `+where+` `+order+` LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// Purge removes all stored messages for a deleted subscription.
func (s *Store) Purge(subID string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM messages WHERE subscription_id = ?`, subID)
	if err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}
	n, _ := res.RowsAffected()
	s.log.Info().Str("subscription", subID).Int64("messages", n).Msg("history purged")
	return n, nil
}

// LatestTime returns the newest stored message time for a subscription,
// or 0 when the history is empty. Used to seed the replay cursor.
func (s *Store) LatestTime(subID string) (int64, error) {
	var t sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(time) FROM messages WHERE subscription_id = ?`, subID).Scan(&t)
	if err != nil {
		return 0, fmt.Errorf("latest time: %w", err)
	}
	return t.Int64, nil
}

// UnreadCount counts messages newer than the subscription's read marker.
func (s *Store) UnreadCount(subID string, readMarker int64) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM messages WHERE subscription_id = ? AND time > ?`,
		subID, readMarker).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return n, nil
}

func scanMessage(rows *sql.Rows) (models.Message, error) {
	var msg models.Message
	var tags, attachment, actions, raw string

	err := rows.Scan(&msg.SubscriptionID, &msg.ID, &msg.Time, &msg.Title, &msg.Body,
		&msg.Priority, &tags, &msg.Click, &msg.Icon, &attachment, &actions, &raw)
	if err != nil {
		return msg, fmt.Errorf("scan message: %w", err)
	}

	if tags != "" {
		msg.Tags = strings.Split(tags, ",")
	}
	if attachment != "" {
		var a models.Attachment
		if err := json.Unmarshal([]byte(attachment), &a); err == nil {
			msg.Attachment = &a
		}
	}
	if actions != "" {
		msg.Actions = json.RawMessage(actions)
	}
	if raw != "" {
		msg.Raw = []byte(raw)
	}
	msg.Event = "message"
	return msg, nil
}
