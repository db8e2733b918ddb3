package discovery

import (
	"context"
	"errors"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"chatline/clock"
)

const (
	// EventRelayUpserted is emitted when a relay appears or its record changes.
	EventRelayUpserted EventType = "relay_upserted"
	// EventRelayRemoved is emitted when a previously seen relay disappears.
	EventRelayRemoved EventType = "relay_removed"
)

// EventType identifies relay discovery updates.
type EventType string

// Event carries one discovery update.
type Event struct {
	Type  EventType
	Relay Relay
}

// Relay is a chat relay endpoint advertised on the LAN.
type Relay struct {
	RelayID   string
	Name      string
	Version   int
	Path      string
	HostName  string
	Port      int
	Addresses []string
	LastSeen  time.Time
}

// URL returns the websocket URL for the relay's first address, falling back
// to its host name.
func (r Relay) URL() string {
	host := strings.TrimSuffix(r.HostName, ".")
	if len(r.Addresses) > 0 {
		host = r.Addresses[0]
	}
	path := r.Path
	if path == "" {
		path = DefaultPath
	}
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(host, strconv.Itoa(r.Port)),
		Path:   path,
	}
	return u.String()
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// RelayScanner discovers relays with periodic and manual mDNS browse
// operations.
type RelayScanner struct {
	cfg Config

	browse browseFunc

	mu     sync.RWMutex
	relays map[string]Relay

	events chan Event
	ready  chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewRelayScanner creates a scanner with config defaults applied.
func NewRelayScanner(config Config) (*RelayScanner, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &RelayScanner{
		cfg:             cfg,
		browse:          browse,
		relays:          make(map[string]Relay),
		events:          make(chan Event, 32),
		ready:           make(chan struct{}),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (s *RelayScanner) Start() {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop stops background scanning and closes Events.
func (s *RelayScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates. Updates are dropped when
// the buffer is full.
func (s *RelayScanner) Events() <-chan Event {
	return s.events
}

// Ready is closed once the first scan after Start has finished.
func (s *RelayScanner) Ready() <-chan struct{} {
	return s.ready
}

// Refresh triggers an immediate scan.
func (s *RelayScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("relay scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("relay scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("relay scanner is stopped")
	}
}

// ListRelays returns the relays seen by the last scan, newest protocol
// version first.
func (s *RelayScanner) ListRelays() []Relay {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Relay, 0, len(s.relays))
	for _, relay := range s.relays {
		out = append(out, relay)
	}
	sortRelays(out)
	return out
}

func (s *RelayScanner) loop() {
	defer s.wg.Done()

	s.runScan(context.Background())
	close(s.ready)

	tick := make(chan struct{}, 1)
	arm := func() clock.Timer {
		return s.cfg.Clock.AfterFunc(s.cfg.RefreshInterval, func() {
			select {
			case tick <- struct{}{}:
			default:
			}
		})
	}
	timer := arm()
	defer func() { timer.Stop() }()

	for {
		select {
		case <-tick:
			s.runScan(context.Background())
			timer = arm()
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *RelayScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	relays, err := s.scanOnce(scanCtx)
	if err != nil {
		if s.ctx.Err() == nil {
			s.cfg.Logger.Warn("relay scan failed", "service", s.cfg.Service, "error", err)
		}
		return err
	}

	next := make(map[string]Relay, len(relays))
	for _, relay := range relays {
		next[relay.RelayID] = relay
	}
	s.applySnapshot(next)
	return nil
}

// scanOnce browses for one scan window and returns the usable relays.
func (s *RelayScanner) scanOnce(ctx context.Context) ([]Relay, error) {
	scanCtx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Relay)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				relay, ok := parseEntry(entry, s.cfg.Version)
				if !ok {
					continue
				}
				relay.LastSeen = s.cfg.Clock.Now()
				collectedMu.Lock()
				collected[relay.RelayID] = relay
				collectedMu.Unlock()
			}
		}
	}()

	browseErr := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	if browseErr != nil && !errors.Is(browseErr, context.DeadlineExceeded) && !errors.Is(browseErr, context.Canceled) {
		cancel()
		<-collectorDone
		return nil, browseErr
	}

	<-scanCtx.Done()
	<-collectorDone

	// A canceled parent means the caller gave up, not that the window ended.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	collectedMu.Lock()
	out := make([]Relay, 0, len(collected))
	for _, relay := range collected {
		out = append(out, relay)
	}
	collectedMu.Unlock()

	sortRelays(out)
	return out, nil
}

func (s *RelayScanner) applySnapshot(next map[string]Relay) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.relays
	s.relays = next

	for id, relay := range next {
		old, exists := previous[id]
		if !exists || !relaysEqual(old, relay) {
			s.emitEvent(Event{Type: EventRelayUpserted, Relay: relay})
		}
	}

	for id, relay := range previous {
		if _, exists := next[id]; !exists {
			s.emitEvent(Event{Type: EventRelayRemoved, Relay: relay})
		}
	}
}

func (s *RelayScanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

// parseEntry accepts relays whose protocol version is at least minVersion.
func parseEntry(entry *zeroconf.ServiceEntry, minVersion int) (Relay, bool) {
	txt := txtToMap(entry.Text)

	relayID := strings.TrimSpace(txt["relay_id"])
	if relayID == "" || entry.Port <= 0 {
		return Relay{}, false
	}

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}
	if version < minVersion {
		return Relay{}, false
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	if len(addresses) == 0 && strings.TrimSpace(entry.HostName) == "" {
		return Relay{}, false
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = relayID
	}

	path := strings.TrimSpace(txt["path"])
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	return Relay{
		RelayID:   relayID,
		Name:      name,
		Version:   version,
		Path:      path,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

func sortRelays(relays []Relay) {
	sort.Slice(relays, func(i, j int) bool {
		if relays[i].Version != relays[j].Version {
			return relays[i].Version > relays[j].Version
		}
		if relays[i].Name != relays[j].Name {
			return relays[i].Name < relays[j].Name
		}
		return relays[i].RelayID < relays[j].RelayID
	})
}

func relaysEqual(a, b Relay) bool {
	if a.RelayID != b.RelayID ||
		a.Name != b.Name ||
		a.Version != b.Version ||
		a.Path != b.Path ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
