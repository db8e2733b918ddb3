package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatline/clock"
)

// DefaultDialTimeout bounds each attempt to attach to one relay.
const DefaultDialTimeout = 10 * time.Second

// Attacher is a channel that can be pointed at a relay URL.
type Attacher interface {
	SetURL(url string)
	Connect(ctx context.Context) error
	Close() error
	// Done is closed when the current session ends. It is nil before the
	// first Connect.
	Done() <-chan struct{}
}

// FollowerOptions configures a Follower.
type FollowerOptions struct {
	Logger      *slog.Logger
	DialTimeout time.Duration
	// RetryInterval paces reattach attempts while detached. It defaults to
	// the scanner's refresh interval.
	RetryInterval time.Duration
}

// Follower keeps an Attacher connected to a relay the scanner has seen. It
// moves to the next relay when the current one is withdrawn or its session
// drops, and keeps retrying while detached.
type Follower struct {
	scanner       *RelayScanner
	target        Attacher
	clock         clock.Clock
	logger        *slog.Logger
	dialTimeout   time.Duration
	retryInterval time.Duration

	mu      sync.Mutex
	current Relay
}

// NewFollower returns a follower for scanner. The scanner must be started
// before Attach or Run.
func NewFollower(scanner *RelayScanner, target Attacher, options FollowerOptions) *Follower {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.DialTimeout <= 0 {
		options.DialTimeout = DefaultDialTimeout
	}
	if options.RetryInterval <= 0 {
		options.RetryInterval = scanner.cfg.RefreshInterval
	}
	return &Follower{
		scanner:       scanner,
		target:        target,
		clock:         scanner.cfg.Clock,
		logger:        options.Logger,
		dialTimeout:   options.DialTimeout,
		retryInterval: options.RetryInterval,
	}
}

// Current returns the relay the target is attached to.
func (f *Follower) Current() (Relay, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, f.current.RelayID != ""
}

// Attach connects the target to the first reachable relay from the last
// scan. It returns ErrNoRelay when nothing could be reached.
func (f *Follower) Attach(ctx context.Context) error {
	return f.attach(ctx, f.scanner.ListRelays())
}

// Run follows scanner updates until ctx ends or the scanner stops.
func (f *Follower) Run(ctx context.Context) {
	events := f.scanner.Events()
	retry := make(chan struct{}, 1)
	var retryTimer clock.Timer
	defer func() {
		if retryTimer != nil {
			retryTimer.Stop()
		}
	}()

	for {
		var done <-chan struct{}
		if _, ok := f.Current(); ok {
			done = f.target.Done()
		} else if retryTimer == nil {
			retryTimer = f.clock.AfterFunc(f.retryInterval, func() {
				select {
				case retry <- struct{}{}:
				default:
				}
			})
		}

		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			f.handle(ctx, event)
		case <-retry:
			retryTimer = nil
			if _, ok := f.Current(); !ok {
				f.reattach(ctx)
			}
		case <-done:
			relay, _ := f.Current()
			f.logger.Warn("relay session ended", "relay_id", relay.RelayID)
			f.setCurrent(Relay{})
			f.reattach(ctx)
		}
	}
}

func (f *Follower) handle(ctx context.Context, event Event) {
	current, attached := f.Current()
	switch event.Type {
	case EventRelayUpserted:
		if !attached {
			f.reattach(ctx)
		}
	case EventRelayRemoved:
		if !attached || event.Relay.RelayID != current.RelayID {
			return
		}
		f.logger.Info("relay withdrawn", "relay_id", current.RelayID)
		f.setCurrent(Relay{})
		if err := f.target.Close(); err != nil {
			f.logger.Debug("close withdrawn relay", "error", err)
		}
		f.reattach(ctx)
	}
}

func (f *Follower) reattach(ctx context.Context) {
	if err := f.Attach(ctx); err != nil && ctx.Err() == nil {
		f.logger.Info("waiting for a relay", "error", err)
	}
}

func (f *Follower) attach(ctx context.Context, relays []Relay) error {
	var lastErr error
	for _, relay := range relays {
		if err := ctx.Err(); err != nil {
			return err
		}
		url := relay.URL()
		f.target.SetURL(url)

		dialCtx, cancel := context.WithTimeout(ctx, f.dialTimeout)
		err := f.target.Connect(dialCtx)
		cancel()
		if err != nil {
			f.logger.Warn("relay connect failed", "relay_id", relay.RelayID, "url", url, "error", err)
			lastErr = err
			continue
		}

		f.setCurrent(relay)
		f.logger.Info("attached to relay", "relay_id", relay.RelayID, "name", relay.Name, "url", url)
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %w", ErrNoRelay, lastErr)
	}
	return ErrNoRelay
}

func (f *Follower) setCurrent(relay Relay) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = relay
}
