package models

import (
	"encoding/json"
	"time"
)

// DefaultPriority is the priority assumed when a message carries none.
// Matches the ntfy scale (1=min .. 5=max).
const DefaultPriority = 3

// Server identifies a pub/sub endpoint. Credential and trust settings are
// shared by every subscription pointing at it.
type Server struct {
	ID        string    `json:"id"`
	BaseURL   string    `json:"base_url"`
	Username  string    `json:"username,omitempty"`
	Password  string    `json:"-"`
	Token     string    `json:"-"`
	RootCAPEM string    `json:"-"` // optional custom trust anchor, PEM encoded
	CreatedAt time.Time `json:"created_at"`
}

// Credentials is the mutable auth portion of a Server.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Token    string `json:"token"`
}

// Prefs holds the user-tunable display settings of a subscription.
// Changing them never affects connection state.
type Prefs struct {
	DisplayName string `json:"display_name"`
	Muted       bool   `json:"muted"`
	MinPriority int    `json:"min_priority"` // messages below this are not forwarded to notifiers
}

// Subscription is one (server, topic) stream the daemon keeps alive.
type Subscription struct {
	ID       string `json:"id"`
	ServerID string `json:"server_id"`
	Topic    string `json:"topic"`
	Prefs

	// Position preserves user-visible ordering across restarts.
	Position int `json:"position"`

	// Cursor is the replay marker passed to the server as "since" on
	// reconnect. Unix seconds, monotonically non-decreasing.
	Cursor int64 `json:"cursor"`

	// ReadMarker is the user-visible "read up to here" time. Independent
	// of Cursor: a message can be stored but not yet read.
	ReadMarker int64 `json:"read_marker"`

	CreatedAt time.Time `json:"created_at"`
}

// Attachment describes a file attached to a message.
type Attachment struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Type    string `json:"type,omitempty"`
	Size    int64  `json:"size,omitempty"`
	Expires int64  `json:"expires,omitempty"`
}

// Message is one received event, as parsed from the server's JSON stream.
// Identity is (SubscriptionID, ID); the server-assigned ID is the dedup key.
type Message struct {
	SubscriptionID string `json:"subscription_id"`

	ID         string          `json:"id"`
	Time       int64           `json:"time"`
	Event      string          `json:"event"`
	Topic      string          `json:"topic"`
	Title      string          `json:"title,omitempty"`
	Body       string          `json:"message,omitempty"`
	Priority   int             `json:"priority,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
	Click      string          `json:"click,omitempty"`
	Icon       string          `json:"icon,omitempty"`
	Attachment *Attachment     `json:"attachment,omitempty"`
	Actions    json.RawMessage `json:"actions,omitempty"`

	// Raw is the original frame, stored verbatim so fields this version
	// does not know about survive a round-trip through the store.
	Raw []byte `json:"-"`
}

// EffectivePriority returns the message priority, defaulting when unset.
func (m *Message) EffectivePriority() int {
	if m.Priority == 0 {
		return DefaultPriority
	}
	return m.Priority
}

// Outgoing is a message to publish to a topic. Best effort, one shot.
type Outgoing struct {
	Title    string          `json:"title,omitempty"`
	Body     string          `json:"message"`
	Priority int             `json:"priority,omitempty"`
	Tags     []string        `json:"tags,omitempty"`
	Click    string          `json:"click,omitempty"`
	Actions  json.RawMessage `json:"actions,omitempty"`
}

// ConnPhase enumerates the supervisor states of one subscription.
type ConnPhase string

const (
	PhaseDisconnected ConnPhase = "disconnected"
	PhaseConnecting   ConnPhase = "connecting"
	PhaseStreaming    ConnPhase = "streaming"
	PhaseBackoff      ConnPhase = "backoff"
	PhaseAuthError    ConnPhase = "auth_error"
)

// ConnState is the transient per-subscription connection state.
// Never persisted; rebuilt from scratch on daemon start.
type ConnState struct {
	SubscriptionID string    `json:"subscription_id"`
	Phase          ConnPhase `json:"phase"`
	Retries        int       `json:"retries,omitempty"`
	NextAttempt    time.Time `json:"next_attempt,omitempty"`
	Err            string    `json:"error,omitempty"`
}
