// Package daemon composes registry, supervisors, store and event bus into
// the long-running core: it keeps one supervisor alive per registered
// subscription, funnels received messages through dedup into the store,
// and exposes the command surface the presentation layer calls.
package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"courier/internal/events"
	"courier/internal/models"
	"courier/internal/registry"
	"courier/internal/store"
	"courier/internal/supervisor"
	"courier/internal/transport"
)

// Transport is what the core needs from the network layer. Satisfied by
// *transport.Client.
type Transport interface {
	Stream(ctx context.Context, srv models.Server, topic string, since int64, h transport.Handler) error
	Publish(ctx context.Context, srv models.Server, topic string, out models.Outgoing) error
	CheckAuth(ctx context.Context, srv models.Server, topic string) error
}

// Config tunes the core.
type Config struct {
	Supervisor   supervisor.Config
	IngestBuffer int // shared message channel capacity
}

func (c Config) withDefaults() Config {
	if c.IngestBuffer <= 0 {
		c.IngestBuffer = 256
	}
	return c
}

// Core is the daemon. One instance per process.
type Core struct {
	log    zerolog.Logger
	reg    *registry.Registry
	store  *store.Store
	bus    *events.Bus
	client Transport
	cfg    Config

	// messages and stateCh are shared by all supervisors. Ingest does one
	// SQLite write per message, so a single consumer keeps up; a hung
	// subscription simply never sends and cannot delay the others.
	messages chan models.Message
	stateCh  chan models.ConnState

	mu           sync.Mutex
	sups         map[string]*supervisor.Supervisor
	states       map[string]models.ConnState
	pendingPurge map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles a core. Call Start to activate it.
func New(log zerolog.Logger, reg *registry.Registry, st *store.Store, bus *events.Bus, client Transport, cfg Config) *Core {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Core{
		log:          log.With().Str("component", "daemon").Logger(),
		reg:          reg,
		store:        st,
		bus:          bus,
		client:       client,
		cfg:          cfg,
		messages:     make(chan models.Message, cfg.IngestBuffer),
		stateCh:      make(chan models.ConnState, cfg.IngestBuffer),
		sups:         make(map[string]*supervisor.Supervisor),
		states:       make(map[string]models.ConnState),
		pendingPurge: make(map[string]bool),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start activates one supervisor per registered subscription and begins
// processing. Each supervisor is seeded with the newest stored message
// time so replay picks up where the store left off.
func (c *Core) Start() error {
	subs, err := c.reg.List()
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	for _, sub := range subs {
		c.activate(sub, true)
	}

	c.wg.Add(3)
	go c.ingestLoop()
	go c.stateLoop()
	go c.reconcileLoop()

	c.log.Info().Int("subscriptions", len(subs)).Msg("daemon started")
	return nil
}

// Stop deactivates all supervisors and waits for the processing loops.
// Bounded by the supervisor stop timeout.
func (c *Core) Stop() {
	c.mu.Lock()
	sups := make([]*supervisor.Supervisor, 0, len(c.sups))
	for _, s := range c.sups {
		sups = append(sups, s)
	}
	c.sups = make(map[string]*supervisor.Supervisor)
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sups {
		wg.Add(1)
		go func(s *supervisor.Supervisor) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	wg.Wait()

	c.cancel()
	c.wg.Wait()
	c.log.Info().Msg("daemon stopped")
}

// ─── command surface ─────────────────────────────────────────────────────

// Subscribe registers and activates a new subscription.
func (c *Core) Subscribe(srv models.Server, topic string, prefs models.Prefs) (models.Subscription, error) {
	return c.reg.Add(srv, topic, prefs)
}

// Unsubscribe tears the subscription down. With purge, its stored history
// is removed once the supervisor is gone.
func (c *Core) Unsubscribe(id string, purge bool) error {
	c.mu.Lock()
	c.pendingPurge[id] = purge
	c.mu.Unlock()

	if _, err := c.reg.Remove(id); err != nil {
		c.mu.Lock()
		delete(c.pendingPurge, id)
		c.mu.Unlock()
		return err
	}
	return nil
}

// UpdatePrefs mutates display settings; connections are untouched.
func (c *Core) UpdatePrefs(id string, prefs models.Prefs) (models.Subscription, error) {
	return c.reg.UpdatePrefs(id, prefs)
}

// UpdateServerCredentials rotates credentials and restarts every
// supervisor on the server, reactivating any parked in auth_error. The new
// credentials are probed against the server first; a rejected probe leaves
// the registry and supervisors untouched.
func (c *Core) UpdateServerCredentials(ctx context.Context, serverID string, creds models.Credentials, resetCursor bool) error {
	srv, err := c.reg.GetServer(serverID)
	if err != nil {
		return err
	}
	srv.Username = creds.Username
	srv.Password = creds.Password
	srv.Token = creds.Token

	if topic, ok := c.serverTopic(serverID); ok {
		probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		if err := c.client.CheckAuth(probeCtx, srv, topic); err != nil {
			return fmt.Errorf("credential probe: %w", err)
		}
	}

	_, err = c.reg.UpdateServerCredentials(serverID, creds, resetCursor)
	return err
}

// serverTopic picks any registered topic on the server, for probing.
func (c *Core) serverTopic(serverID string) (string, bool) {
	subs, err := c.reg.List()
	if err != nil {
		return "", false
	}
	for _, sub := range subs {
		if sub.ServerID == serverID {
			return sub.Topic, true
		}
	}
	return "", false
}

// PublishMessage sends one message to the subscription's topic. Best
// effort: failures are reported to the caller and never retried.
func (c *Core) PublishMessage(ctx context.Context, subID string, out models.Outgoing) error {
	sub, err := c.reg.Get(subID)
	if err != nil {
		return err
	}
	srv, err := c.reg.GetServer(sub.ServerID)
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, srv, sub.Topic, out)
}

// MarkRead advances the user-visible read marker.
func (c *Core) MarkRead(subID string, t int64) (models.Subscription, error) {
	return c.reg.SetReadMarker(subID, t)
}

// History returns a page of stored messages.
func (c *Core) History(subID string, q store.HistoryQuery) ([]models.Message, error) {
	if _, err := c.reg.Get(subID); err != nil {
		return nil, err
	}
	return c.store.History(subID, q)
}

// UnreadCount counts messages newer than the subscription's read marker.
func (c *Core) UnreadCount(subID string) (int, error) {
	sub, err := c.reg.Get(subID)
	if err != nil {
		return 0, err
	}
	return c.store.UnreadCount(subID, sub.ReadMarker)
}

// Subscriptions lists the registry in user-visible order.
func (c *Core) Subscriptions() ([]models.Subscription, error) {
	return c.reg.List()
}

// States returns a snapshot of the per-subscription connection states.
func (c *Core) States() map[string]models.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]models.ConnState, len(c.states))
	for id, st := range c.states {
		out[id] = st
	}
	return out
}

// ─── internal loops ──────────────────────────────────────────────────────

// ingestLoop is the single consumer of received messages. Append is the
// dedup boundary; the cursor only advances and the event only goes out
// after the store accepted the message, so a crash in between redelivers
// instead of dropping, and a dedup hit never notifies twice.
func (c *Core) ingestLoop() {
	defer c.wg.Done()
	for {
		select {
		case msg := <-c.messages:
			c.ingest(msg)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Core) ingest(msg models.Message) {
	res, err := c.store.Append(msg)
	if err != nil {
		// Leave the cursor alone: the message is redelivered by replay
		// on the next connect.
		c.log.Error().Err(err).Str("subscription", msg.SubscriptionID).Str("id", msg.ID).
			Msg("store append failed")
		return
	}
	if res == store.AlreadyPresent {
		return
	}

	if err := c.reg.AdvanceCursor(msg.SubscriptionID, msg.Time); err != nil {
		c.log.Error().Err(err).Msg("cursor advance failed")
	}
	c.mu.Lock()
	sup := c.sups[msg.SubscriptionID]
	c.mu.Unlock()
	if sup != nil {
		sup.SetCursor(msg.Time)
	}

	sub, err := c.reg.Get(msg.SubscriptionID)
	if err != nil {
		// Unsubscribed while the message was in flight.
		return
	}
	c.bus.Publish(events.Event{Kind: events.MessageAccepted, Message: &msg, Subscription: &sub})
}

func (c *Core) stateLoop() {
	defer c.wg.Done()
	for {
		select {
		case st := <-c.stateCh:
			c.mu.Lock()
			_, live := c.sups[st.SubscriptionID]
			if live {
				c.states[st.SubscriptionID] = st
			}
			c.mu.Unlock()
			if live {
				c.bus.Publish(events.Event{Kind: events.StateChanged, State: &st})
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// reconcileLoop converges the supervisor set to the registry after every
// change, one pass per event.
func (c *Core) reconcileLoop() {
	defer c.wg.Done()
	for {
		select {
		case change := <-c.reg.Changes():
			c.reconcile(change)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Core) reconcile(change registry.Change) {
	sub := change.Subscription
	switch change.Kind {
	case registry.ChangeAdded:
		c.activate(sub, true)
		c.bus.Publish(events.Event{Kind: events.SubscriptionAdded, Subscription: &sub})

	case registry.ChangeRemoved:
		c.deactivate(sub.ID)

		c.mu.Lock()
		purge := c.pendingPurge[sub.ID]
		delete(c.pendingPurge, sub.ID)
		c.mu.Unlock()
		if purge {
			if _, err := c.store.Purge(sub.ID); err != nil {
				c.log.Error().Err(err).Str("subscription", sub.ID).Msg("purge failed")
			}
		}
		c.bus.Publish(events.Event{Kind: events.SubscriptionRemoved, Subscription: &sub})

	case registry.ChangeUpdated:
		c.bus.Publish(events.Event{Kind: events.SubscriptionUpdated, Subscription: &sub})

	case registry.ChangeCredentials:
		// Restart the supervisor with fresh credentials. On an explicit
		// cursor epoch reset the store seed is skipped so the full
		// backlog replays; dedup absorbs what is already stored.
		c.deactivate(sub.ID)
		c.activate(sub, !change.ResetCursor)
		c.bus.Publish(events.Event{Kind: events.SubscriptionUpdated, Subscription: &sub})
	}
}

// activate starts a supervisor for sub unless one is already live,
// preserving the one-transport-per-subscription invariant.
func (c *Core) activate(sub models.Subscription, seedFromStore bool) {
	srv, err := c.reg.GetServer(sub.ServerID)
	if err != nil {
		c.log.Error().Err(err).Str("subscription", sub.ID).Msg("activate: server lookup failed")
		return
	}

	if seedFromStore {
		if latest, err := c.store.LatestTime(sub.ID); err == nil && latest > sub.Cursor {
			sub.Cursor = latest
		}
	}

	sup := supervisor.New(c.log, c.client, c.cfg.Supervisor, srv, sub, c.messages, c.stateCh)

	c.mu.Lock()
	if _, exists := c.sups[sub.ID]; exists {
		c.mu.Unlock()
		c.log.Warn().Str("subscription", sub.ID).Msg("activate skipped, supervisor already live")
		return
	}
	c.sups[sub.ID] = sup
	c.states[sub.ID] = models.ConnState{SubscriptionID: sub.ID, Phase: models.PhaseConnecting}
	c.mu.Unlock()

	sup.Start()
}

func (c *Core) deactivate(id string) {
	c.mu.Lock()
	sup := c.sups[id]
	delete(c.sups, id)
	delete(c.states, id)
	c.mu.Unlock()

	if sup == nil {
		return
	}
	sup.Stop()
	c.bus.Publish(events.Event{Kind: events.StateChanged,
		State: &models.ConnState{SubscriptionID: id, Phase: models.PhaseDisconnected}})
}
