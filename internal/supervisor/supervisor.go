// Package supervisor owns the lifecycle of one streaming connection:
// connect, stream, back off on failure, stop on demand. Exactly one
// supervisor runs per subscription; it holds exclusive control of
// reconnect logic, so at most one connection is live at any time.
package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"courier/internal/models"
	"courier/internal/transport"
)

var errStreamEnded = errors.New("stream ended")

// Streamer is the transport dependency. Satisfied by *transport.Client.
type Streamer interface {
	Stream(ctx context.Context, srv models.Server, topic string, since int64, h transport.Handler) error
}

// Config tunes reconnect and shutdown behaviour.
type Config struct {
	BackoffMin  time.Duration // first retry delay
	BackoffMax  time.Duration // delay cap
	StopTimeout time.Duration // bound on cooperative cancellation
}

func (c Config) withDefaults() Config {
	if c.BackoffMin <= 0 {
		c.BackoffMin = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	return c
}

// Supervisor drives one subscription's connection state machine:
//
//	Idle → Connecting → Streaming → Backoff → Connecting → …
//
// Auth rejection is terminal (auth_error) until the daemon recreates the
// supervisor with new credentials. Everything else retries forever.
type Supervisor struct {
	log    zerolog.Logger
	client Streamer
	cfg    Config

	subID string
	topic string
	srv   models.Server

	cursor atomic.Int64

	messages chan<- models.Message
	states   chan<- models.ConnState

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an idle supervisor. messages and states are owned by the
// daemon core and shared across supervisors.
func New(log zerolog.Logger, client Streamer, cfg Config, srv models.Server, sub models.Subscription,
	messages chan<- models.Message, states chan<- models.ConnState) *Supervisor {

	s := &Supervisor{
		log:      log.With().Str("component", "supervisor").Str("topic", sub.Topic).Str("subscription", sub.ID).Logger(),
		client:   client,
		cfg:      cfg.withDefaults(),
		subID:    sub.ID,
		topic:    sub.Topic,
		srv:      srv,
		messages: messages,
		states:   states,
	}
	s.cursor.Store(sub.Cursor)
	return s
}

// Start activates the supervisor. Call at most once.
func (s *Supervisor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
}

// Stop cancels the current connect attempt or stream read and waits for
// the run loop to exit, bounded by StopTimeout. Cancellation propagates
// through the request context, which force-closes the underlying
// connection, so the network resource is released either way.
func (s *Supervisor) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	select {
	case <-s.done:
	case <-time.After(s.cfg.StopTimeout):
		s.log.Warn().Msg("cancellation deadline exceeded, connection force-dropped")
	}
}

// SetCursor raises the resume cursor. Lower values are ignored, keeping
// the cursor monotone. Called by the daemon core after a message is
// durably stored.
func (s *Supervisor) SetCursor(t int64) {
	for {
		cur := s.cursor.Load()
		if t <= cur || s.cursor.CompareAndSwap(cur, t) {
			return
		}
	}
}

// Cursor returns the current resume cursor.
func (s *Supervisor) Cursor() int64 {
	return s.cursor.Load()
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.BackoffMin
	bo.MaxInterval = s.cfg.BackoffMax
	bo.MaxElapsedTime = 0 // retry forever
	bo.Reset()

	retries := 0
	for {
		s.report(ctx, models.ConnState{Phase: models.PhaseConnecting, Retries: retries})

		err := s.client.Stream(ctx, s.srv, s.topic, s.cursor.Load(), func(f transport.Frame) {
			switch f.Kind {
			case transport.FrameOpen:
				// Successful transition into Streaming resets the
				// retry counter and the delay schedule.
				retries = 0
				bo.Reset()
				s.report(ctx, models.ConnState{Phase: models.PhaseStreaming})
			case transport.FrameMessage:
				msg := f.Message
				msg.SubscriptionID = s.subID
				select {
				case s.messages <- msg:
				case <-ctx.Done():
				}
			case transport.FrameKeepalive:
				// Liveness only.
			}
		})

		if ctx.Err() != nil {
			s.log.Debug().Msg("deactivated")
			return
		}
		if err == nil {
			err = errStreamEnded
		}

		if transport.IsAuth(err) {
			s.log.Error().Err(err).Msg("credentials rejected, suspending retries")
			s.report(ctx, models.ConnState{Phase: models.PhaseAuthError, Err: err.Error()})
			return
		}

		retries++
		delay := bo.NextBackOff()
		s.log.Warn().Err(err).Int("retries", retries).Dur("delay", delay).Msg("connection lost, backing off")
		s.report(ctx, models.ConnState{
			Phase:       models.PhaseBackoff,
			Retries:     retries,
			NextAttempt: time.Now().Add(delay),
			Err:         err.Error(),
		})

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			s.log.Debug().Msg("deactivated during backoff")
			return
		}
	}
}

func (s *Supervisor) report(ctx context.Context, st models.ConnState) {
	st.SubscriptionID = s.subID
	select {
	case s.states <- st:
	case <-ctx.Done():
	}
}
