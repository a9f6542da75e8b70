// Package notify forwards accepted messages to external Shoutrrr
// destinations. Rendering desktop notifications is the presentation
// layer's job; this is the headless escape hatch for gateways the user
// configures directly on the daemon.
package notify

import (
	"fmt"
	"sync"
	"time"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/rs/zerolog"

	"courier/internal/events"
	"courier/internal/models"
)

// Sender abstracts message dispatch so the forwarder can be tested
// without hitting real services.
type Sender interface {
	Send(shoutrrrURL, message string) error
}

// ShoutrrrSender dispatches via the Shoutrrr library.
type ShoutrrrSender struct{}

func (ShoutrrrSender) Send(url, message string) error {
	return shoutrrr.Send(url, message)
}

// QuietHours suppresses non-urgent forwards during a daily UTC window.
// Max-priority messages always go through.
type QuietHours struct {
	Start string // "HH:MM"
	End   string // "HH:MM"
}

// Forwarder subscribes to the daemon's event stream and pushes accepted
// messages to each configured URL, honoring subscription prefs and quiet
// hours. Send failures are logged and never reach the ingestion path.
type Forwarder struct {
	log    zerolog.Logger
	bus    *events.Bus
	sender Sender
	urls   []string
	quiet  *QuietHours

	now func() time.Time // stubbed in tests

	sub  *events.Subscriber
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewForwarder creates a forwarder. A nil sender uses Shoutrrr.
func NewForwarder(log zerolog.Logger, bus *events.Bus, urls []string, quiet *QuietHours, sender Sender) *Forwarder {
	if sender == nil {
		sender = ShoutrrrSender{}
	}
	return &Forwarder{
		log:    log.With().Str("component", "notify").Logger(),
		bus:    bus,
		sender: sender,
		urls:   urls,
		quiet:  quiet,
		now:    time.Now,
		stop:   make(chan struct{}),
	}
}

// Start attaches to the event stream and begins forwarding.
func (f *Forwarder) Start() {
	if len(f.urls) == 0 {
		f.log.Debug().Msg("no forward urls configured")
		return
	}

	f.sub = f.bus.Subscribe(256)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			select {
			case e, ok := <-f.sub.Events():
				if !ok {
					return
				}
				f.handle(e)
			case <-f.stop:
				// Drain what is already buffered.
				for {
					select {
					case e, ok := <-f.sub.Events():
						if !ok {
							return
						}
						f.handle(e)
					default:
						return
					}
				}
			}
		}
	}()
}

// Stop detaches and waits for the forwarding goroutine.
func (f *Forwarder) Stop() {
	if f.sub == nil {
		return
	}
	close(f.stop)
	f.wg.Wait()
	f.bus.Unsubscribe(f.sub)
}

func (f *Forwarder) handle(e events.Event) {
	if e.Kind != events.MessageAccepted || e.Message == nil || e.Subscription == nil {
		return
	}

	msg, sub := e.Message, e.Subscription
	if sub.Muted {
		return
	}
	if msg.EffectivePriority() < sub.MinPriority {
		return
	}
	if f.inQuietHours(msg) {
		return
	}

	text := formatMessage(sub, msg)
	for _, url := range f.urls {
		if err := f.sender.Send(url, text); err != nil {
			f.log.Error().Err(err).Str("id", msg.ID).Msg("forward failed")
		}
	}
}

// inQuietHours returns true if the message should be suppressed.
// Max-priority messages are never suppressed.
func (f *Forwarder) inQuietHours(msg *models.Message) bool {
	if f.quiet == nil {
		return false
	}
	if msg.EffectivePriority() >= 5 {
		return false
	}

	now := f.now().UTC()
	nowMinutes := now.Hour()*60 + now.Minute()

	start := parseHHMM(f.quiet.Start)
	end := parseHHMM(f.quiet.End)

	if start < end {
		// e.g. 22:00–23:00
		return nowMinutes >= start && nowMinutes < end
	}
	// Wraps midnight, e.g. 22:00–07:00
	return nowMinutes >= start || nowMinutes < end
}

// formatMessage builds a human-readable notification string.
func formatMessage(sub *models.Subscription, msg *models.Message) string {
	name := sub.DisplayName
	if name == "" {
		name = sub.Topic
	}
	if msg.Title != "" {
		return fmt.Sprintf("[%s] %s: %s", name, msg.Title, msg.Body)
	}
	return fmt.Sprintf("[%s] %s", name, msg.Body)
}

// parseHHMM converts "HH:MM" to minutes since midnight.
func parseHHMM(s string) int {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0
	}
	return t.Hour()*60 + t.Minute()
}
