// Package registry is the single source of truth for what the daemon
// should be streaming. Every mutation emits a change event the daemon
// core consumes to reconcile its supervisors.
package registry

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"courier/internal/models"
)

const timeFormat = "2006-01-02 15:04:05"

// ChangeKind says what mutated.
type ChangeKind string

const (
	ChangeAdded       ChangeKind = "added"
	ChangeRemoved     ChangeKind = "removed"
	ChangeUpdated     ChangeKind = "updated"     // prefs only, no connection impact
	ChangeCredentials ChangeKind = "credentials" // server credentials rotated
)

// Change is emitted on every mutation.
type Change struct {
	Kind         ChangeKind
	Subscription models.Subscription
	ResetCursor  bool // set on ChangeCredentials when the user asked for a fresh replay
}

// Registry provides persisted CRUD over subscriptions and their servers.
type Registry struct {
	db  *sql.DB
	log zerolog.Logger

	// mu serializes mutations so position assignment and duplicate checks
	// are race-free. Reads go straight to the database.
	mu      sync.Mutex
	changes chan Change
}

// New creates a registry over an already-migrated database.
func New(db *sql.DB, log zerolog.Logger) *Registry {
	return &Registry{
		db:      db,
		log:     log.With().Str("component", "registry").Logger(),
		changes: make(chan Change, 64),
	}
}

// Changes is the stream of mutations, consumed by the daemon core.
func (r *Registry) Changes() <-chan Change {
	return r.changes
}

// Add registers a new subscription, creating the server row if its base
// URL is not yet known. When the base URL is already registered, the
// stored row and its credentials win and any credentials on srv are
// ignored; rotation goes through UpdateServerCredentials. Fails with
// ErrDuplicateSubscription when the (server, topic) key exists.
func (r *Registry) Add(srv models.Server, topic string, prefs models.Prefs) (models.Subscription, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" || strings.ContainsAny(topic, "/ ") {
		return models.Subscription{}, ErrInvalidTopic
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	server, err := r.ensureServer(srv)
	if err != nil {
		return models.Subscription{}, err
	}

	var exists int
	err = r.db.QueryRow(`SELECT COUNT(1) FROM subscriptions WHERE server_id = ? AND topic = ?`,
		server.ID, topic).Scan(&exists)
	if err != nil {
		return models.Subscription{}, fmt.Errorf("check duplicate: %w", err)
	}
	if exists > 0 {
		return models.Subscription{}, ErrDuplicateSubscription
	}

	var position int
	if err := r.db.QueryRow(`SELECT COALESCE(MAX(position), 0) + 1 FROM subscriptions`).Scan(&position); err != nil {
		return models.Subscription{}, fmt.Errorf("next position: %w", err)
	}

	sub := models.Subscription{
		ID:        uuid.NewString(),
		ServerID:  server.ID,
		Topic:     topic,
		Prefs:     prefs,
		Position:  position,
		CreatedAt: time.Now().UTC(),
	}

	_, err = r.db.Exec(`
		INSERT INTO subscriptions (id, server_id, topic, display_name, muted, min_priority, position)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.ServerID, sub.Topic, sub.DisplayName, boolInt(sub.Muted), sub.MinPriority, sub.Position)
	if err != nil {
		return models.Subscription{}, fmt.Errorf("insert subscription: %w", err)
	}

	r.log.Info().Str("topic", topic).Str("server", server.BaseURL).Msg("subscription added")
	r.emit(Change{Kind: ChangeAdded, Subscription: sub})
	return sub, nil
}

// Remove deletes a subscription. Returns ErrNotFound if absent; a second
// call therefore reports ErrNotFound, which callers treat as satisfied.
func (r *Registry) Remove(id string) (models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, err := r.get(id)
	if err != nil {
		return models.Subscription{}, err
	}

	if _, err := r.db.Exec(`DELETE FROM subscriptions WHERE id = ?`, id); err != nil {
		return models.Subscription{}, fmt.Errorf("delete subscription: %w", err)
	}

	// Drop the server row once nothing references it.
	if _, err := r.db.Exec(`
		DELETE FROM servers WHERE id = ?
		AND NOT EXISTS (SELECT 1 FROM subscriptions WHERE server_id = ?)`,
		sub.ServerID, sub.ServerID); err != nil {
		r.log.Warn().Err(err).Msg("orphan server cleanup failed")
	}

	r.log.Info().Str("topic", sub.Topic).Msg("subscription removed")
	r.emit(Change{Kind: ChangeRemoved, Subscription: sub})
	return sub, nil
}

// UpdatePrefs mutates display settings without touching connection state.
func (r *Registry) UpdatePrefs(id string, prefs models.Prefs) (models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`
		UPDATE subscriptions SET display_name = ?, muted = ?, min_priority = ?
		WHERE id = ?`,
		prefs.DisplayName, boolInt(prefs.Muted), prefs.MinPriority, id)
	if err != nil {
		return models.Subscription{}, fmt.Errorf("update prefs: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.Subscription{}, ErrNotFound
	}

	sub, err := r.get(id)
	if err != nil {
		return models.Subscription{}, err
	}
	r.emit(Change{Kind: ChangeUpdated, Subscription: sub})
	return sub, nil
}

// UpdateServerCredentials rotates a server's credentials and emits a
// credentials change for every subscription on that server, so the daemon
// restarts their supervisors (including any parked in auth_error).
// resetCursor starts a fresh replay epoch; by default the existing cursor
// is kept and the store's dedup absorbs any overlap.
func (r *Registry) UpdateServerCredentials(serverID string, creds models.Credentials, resetCursor bool) ([]models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`UPDATE servers SET username = ?, password = ?, token = ? WHERE id = ?`,
		creds.Username, creds.Password, creds.Token, serverID)
	if err != nil {
		return nil, fmt.Errorf("update credentials: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrServerNotFound
	}

	if resetCursor {
		if _, err := r.db.Exec(`UPDATE subscriptions SET cursor = 0 WHERE server_id = ?`, serverID); err != nil {
			return nil, fmt.Errorf("reset cursors: %w", err)
		}
	}

	subs, err := r.listWhere(`WHERE server_id = ?`, serverID)
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		r.emit(Change{Kind: ChangeCredentials, Subscription: sub, ResetCursor: resetCursor})
	}
	r.log.Info().Str("server", serverID).Int("subscriptions", len(subs)).Msg("credentials rotated")
	return subs, nil
}

// AdvanceCursor raises the replay cursor. The guard keeps it monotone;
// a stale lower value is a no-op, not an error.
func (r *Registry) AdvanceCursor(id string, cursor int64) error {
	_, err := r.db.Exec(`UPDATE subscriptions SET cursor = ? WHERE id = ? AND cursor < ?`,
		cursor, id, cursor)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

// SetReadMarker advances the user-visible read marker. Monotone like the
// cursor, but independent of it.
func (r *Registry) SetReadMarker(id string, t int64) (models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.get(id); err != nil {
		return models.Subscription{}, err
	}
	_, err := r.db.Exec(`UPDATE subscriptions SET read_marker = ? WHERE id = ? AND read_marker < ?`,
		t, id, t)
	if err != nil {
		return models.Subscription{}, fmt.Errorf("set read marker: %w", err)
	}

	sub, err := r.get(id)
	if err != nil {
		return models.Subscription{}, err
	}
	r.emit(Change{Kind: ChangeUpdated, Subscription: sub})
	return sub, nil
}

// List returns all subscriptions in user-visible (creation) order.
func (r *Registry) List() ([]models.Subscription, error) {
	return r.listWhere("")
}

// Get returns one subscription.
func (r *Registry) Get(id string) (models.Subscription, error) {
	return r.get(id)
}

// GetServer returns one server, including credentials.
func (r *Registry) GetServer(id string) (models.Server, error) {
	row := r.db.QueryRow(`
		SELECT id, base_url, username, password, token, root_ca_pem, created_at
		FROM servers WHERE id = ?`, id)

	var srv models.Server
	var createdAt string
	err := row.Scan(&srv.ID, &srv.BaseURL, &srv.Username, &srv.Password, &srv.Token, &srv.RootCAPEM, &createdAt)
	if err == sql.ErrNoRows {
		return models.Server{}, ErrServerNotFound
	}
	if err != nil {
		return models.Server{}, fmt.Errorf("scan server: %w", err)
	}
	srv.CreatedAt = parseTime(createdAt)
	return srv, nil
}

// ─── helpers ─────────────────────────────────────────────────────────────

// ensureServer reuses an existing server row by base URL or inserts one.
func (r *Registry) ensureServer(srv models.Server) (models.Server, error) {
	srv.BaseURL = strings.TrimRight(strings.TrimSpace(srv.BaseURL), "/")
	if srv.BaseURL == "" {
		return models.Server{}, fmt.Errorf("server base url required")
	}

	var id string
	err := r.db.QueryRow(`SELECT id FROM servers WHERE base_url = ?`, srv.BaseURL).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		srv.ID = uuid.NewString()
		srv.CreatedAt = time.Now().UTC()
		_, err := r.db.Exec(`
			INSERT INTO servers (id, base_url, username, password, token, root_ca_pem)
			VALUES (?, ?, ?, ?, ?, ?)`,
			srv.ID, srv.BaseURL, srv.Username, srv.Password, srv.Token, srv.RootCAPEM)
		if err != nil {
			return models.Server{}, fmt.Errorf("insert server: %w", err)
		}
		return srv, nil
	case err != nil:
		return models.Server{}, fmt.Errorf("lookup server: %w", err)
	default:
		return r.GetServer(id)
	}
}

func (r *Registry) get(id string) (models.Subscription, error) {
	row := r.db.QueryRow(`
		SELECT id, server_id, topic, display_name, muted, min_priority, position, cursor, read_marker, created_at
		FROM subscriptions WHERE id = ?`, id)

	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return models.Subscription{}, ErrNotFound
	}
	if err != nil {
		return models.Subscription{}, fmt.Errorf("scan subscription: %w", err)
	}
	return sub, nil
}

func (r *Registry) listWhere(where string, args ...interface{}) ([]models.Subscription, error) {
	rows, err := r.db.Query(`
		SELECT id, server_id, topic, display_name, muted, min_priority, position, cursor, read_marker, created_at
		FROM subscriptions `+where+` ORDER BY position`, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription row: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (r *Registry) emit(c Change) {
	select {
	case r.changes <- c:
	default:
		// The daemon core is the only consumer and drains promptly; a
		// full buffer means it is gone, and blocking here would wedge
		// the command caller.
		r.log.Error().Str("kind", string(c.Kind)).Msg("change buffer full, event dropped")
	}
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(s scannable) (models.Subscription, error) {
	var sub models.Subscription
	var muted int
	var createdAt string

	err := s.Scan(&sub.ID, &sub.ServerID, &sub.Topic, &sub.DisplayName, &muted,
		&sub.MinPriority, &sub.Position, &sub.Cursor, &sub.ReadMarker, &createdAt)
	if err != nil {
		return sub, err
	}
	sub.Muted = muted == 1
	sub.CreatedAt = parseTime(createdAt)
	return sub, nil
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
