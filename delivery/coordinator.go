// Package delivery runs the optimistic send pipeline: messages appear in the
// local projection immediately, are confirmed by a transport ack, fail when
// the ack window lapses, and can be retried a bounded number of times.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatline/clock"
	"chatline/models"
	"chatline/storage"
	"chatline/transport"
)

const (
	// DefaultAckTimeout is how long a send waits for its ack.
	DefaultAckTimeout = 5 * time.Second
	// DefaultRetryDelay is the pause between a retry request and the
	// re-publish.
	DefaultRetryDelay = 2 * time.Second
	// DefaultMaxRetries bounds manual retries per message.
	DefaultMaxRetries = 3
)

var (
	// ErrAckTimeout marks a send whose ack window lapsed. It is only logged.
	ErrAckTimeout = errors.New("delivery: ack timeout")
	// ErrUnknownMessage indicates an id not present in the projection.
	ErrUnknownMessage = errors.New("delivery: unknown message")
	// ErrRetryNotAllowed indicates a retry on a message that is not failed
	// or has used all retries.
	ErrRetryNotAllowed = errors.New("delivery: retry not allowed")
	// ErrNoRoom indicates a send without a target room.
	ErrNoRoom = errors.New("delivery: no room selected")
	// ErrClosed indicates use of a closed coordinator.
	ErrClosed = errors.New("delivery: coordinator closed")
)

// Store is the durable side of the projection.
type Store interface {
	Add(ctx context.Context, message models.Message) error
	Update(ctx context.Context, message models.Message) error
	ListByRoom(ctx context.Context, roomID string) ([]models.Message, error)
}

// SeenStore remembers observed message ids across restarts.
type SeenStore interface {
	InsertSeenID(ctx context.Context, messageID string, receivedAt int64) error
	HasSeenID(ctx context.Context, messageID string) (bool, error)
}

type statusLister interface {
	ListByStatus(ctx context.Context, status models.MessageStatus) ([]models.Message, error)
}

// ChangeFunc receives the active view of a room after it changed.
type ChangeFunc func(roomID string, view []models.Message)

// Options configures a Coordinator.
type Options struct {
	Self    models.User
	Store   Store
	Channel transport.Channel
	Seen    SeenStore
	Clock   clock.Clock
	Logger  *slog.Logger

	AckTimeout time.Duration
	RetryDelay time.Duration
	// MaxRetries caps manual retries per message. Zero disables retry and
	// a negative value selects DefaultMaxRetries.
	MaxRetries int

	NewID func() string
}

// Coordinator owns the in-memory message projection and is the only writer
// of message status and retry counts.
type Coordinator struct {
	self       models.User
	store      Store
	channel    transport.Channel
	seen       SeenStore
	clock      clock.Clock
	logger     *slog.Logger
	ackTimeout time.Duration
	retryDelay time.Duration
	maxRetries int
	newID      func() string

	subs []transport.Subscription

	mu        sync.Mutex
	rooms     map[string][]string
	byID      map[string]*models.Message
	pending   map[string]*pending
	listeners []ChangeFunc
	closed    bool
}

// pending holds the live timers of one outgoing message. Timers are tagged
// with the retry count they were armed for; a fire whose tag no longer
// matches the message is stale and ignored.
type pending struct {
	ack   clock.Timer
	retry clock.Timer
}

func (p *pending) stop() {
	if p.ack != nil {
		p.ack.Stop()
		p.ack = nil
	}
	if p.retry != nil {
		p.retry.Stop()
		p.retry = nil
	}
}

type change struct {
	roomID string
	view   []models.Message
}

// New returns a coordinator subscribed to message and messageAck events on
// options.Channel.
func New(options Options) (*Coordinator, error) {
	if options.Store == nil {
		return nil, errors.New("delivery: store is required")
	}
	if options.Channel == nil {
		return nil, errors.New("delivery: channel is required")
	}
	if options.Self.ID == "" {
		return nil, errors.New("delivery: self user id is required")
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.AckTimeout <= 0 {
		options.AckTimeout = DefaultAckTimeout
	}
	if options.RetryDelay <= 0 {
		options.RetryDelay = DefaultRetryDelay
	}
	if options.MaxRetries < 0 {
		options.MaxRetries = DefaultMaxRetries
	}
	if options.NewID == nil {
		options.NewID = uuid.NewString
	}

	c := &Coordinator{
		self:       options.Self,
		store:      options.Store,
		channel:    options.Channel,
		seen:       options.Seen,
		clock:      options.Clock,
		logger:     options.Logger,
		ackTimeout: options.AckTimeout,
		retryDelay: options.RetryDelay,
		maxRetries: options.MaxRetries,
		newID:      options.NewID,
		rooms:      make(map[string][]string),
		byID:       make(map[string]*models.Message),
		pending:    make(map[string]*pending),
	}

	c.subs = append(c.subs,
		c.channel.Subscribe(transport.EventMessage, c.onMessageEvent),
		c.channel.Subscribe(transport.EventMessageAck, c.onAckEvent),
	)
	return c, nil
}

// OnChange registers f to receive room views after every change.
func (c *Coordinator) OnChange(f ChangeFunc) {
	if f == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, f)
}

// Send appends a new message to the projection, persists it, publishes it
// and arms the ack timer.
func (c *Coordinator) Send(ctx context.Context, roomID, text string, kind models.MessageKind, metadata map[string]any) (models.Message, error) {
	if roomID == "" {
		return models.Message{}, ErrNoRoom
	}
	if kind == "" {
		kind = models.KindText
	}
	if !models.ValidKind(kind) {
		return models.Message{}, fmt.Errorf("invalid message kind %q", kind)
	}

	message := models.Message{
		ID:         c.newID(),
		RoomID:     roomID,
		Text:       text,
		Sender:     c.self,
		Timestamp:  clock.UnixMilli(c.clock),
		Kind:       kind,
		Metadata:   metadata,
		Status:     models.StatusSending,
		RetryCount: 0,
	}
	message = message.Clone()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return models.Message{}, ErrClosed
	}
	c.appendLocked(message)
	p := &pending{}
	c.pending[message.ID] = p
	p.ack = c.armAckTimerLocked(message.ID, 0)
	c.persistAdd(ctx, message)
	c.recordSeen(ctx, message.ID)
	notify := c.changeLocked(roomID)
	c.mu.Unlock()

	c.emit(notify)
	c.publish(ctx, message)
	return message.Clone(), nil
}

// HandleIncoming adds a message delivered by the transport. It reports
// false when the id was already observed.
func (c *Coordinator) HandleIncoming(ctx context.Context, message models.Message) bool {
	if message.ID == "" || message.RoomID == "" {
		c.logger.Warn("dropping incoming message without id or room", "message_id", message.ID, "room_id", message.RoomID)
		return false
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if _, exists := c.byID[message.ID]; exists {
		c.mu.Unlock()
		return false
	}
	if c.hasSeen(ctx, message.ID) {
		c.mu.Unlock()
		c.logger.Debug("ignoring previously seen message", "message_id", message.ID)
		return false
	}

	message = message.Clone()
	message.Status = models.StatusSent
	if message.Kind == "" {
		message.Kind = models.KindText
	}
	c.appendLocked(message)
	c.persistAdd(ctx, message)
	c.recordSeen(ctx, message.ID)
	notify := c.changeLocked(message.RoomID)
	c.mu.Unlock()

	c.emit(notify)
	return true
}

// HandleAck confirms a locally sent message. It cancels the message's
// timers and reports whether the status moved to sent.
func (c *Coordinator) HandleAck(ctx context.Context, messageID string) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if p, ok := c.pending[messageID]; ok {
		p.stop()
		delete(c.pending, messageID)
	}

	message, ok := c.byID[messageID]
	if !ok || message.Status != models.StatusSending || message.Sender.ID != c.self.ID {
		c.mu.Unlock()
		return false
	}
	message.Status = models.StatusSent
	c.persistUpdate(ctx, *message)
	notify := c.changeLocked(message.RoomID)
	c.mu.Unlock()

	c.emit(notify)
	return true
}

// Retry moves a failed message back to sending and re-publishes it after
// the retry delay. A fresh ack timer is armed at re-publish time.
func (c *Coordinator) Retry(ctx context.Context, messageID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	message, ok := c.byID[messageID]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownMessage
	}
	if message.Status != models.StatusFailed || message.RetryCount >= c.maxRetries {
		c.mu.Unlock()
		return fmt.Errorf("%w: status %s, retries %d/%d", ErrRetryNotAllowed, message.Status, message.RetryCount, c.maxRetries)
	}

	message.Status = models.StatusSending
	message.RetryCount++
	attempt := message.RetryCount
	c.persistUpdate(ctx, *message)

	p, ok := c.pending[messageID]
	if !ok {
		p = &pending{}
		c.pending[messageID] = p
	}
	p.stop()
	p.retry = c.clock.AfterFunc(c.retryDelay, func() {
		c.republish(messageID, attempt)
	})
	notify := c.changeLocked(message.RoomID)
	c.mu.Unlock()

	c.logger.Info("message retry scheduled", "message_id", messageID, "attempt", attempt)
	c.emit(notify)
	return nil
}

// Delete tombstones a message locally. Nothing is sent to the remote side.
func (c *Coordinator) Delete(ctx context.Context, messageID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	message, ok := c.byID[messageID]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownMessage
	}
	if message.IsDeleted() {
		c.mu.Unlock()
		return nil
	}
	if p, ok := c.pending[messageID]; ok {
		p.stop()
		delete(c.pending, messageID)
	}
	message.Status = models.StatusDeleted
	c.persistUpdate(ctx, *message)
	notify := c.changeLocked(message.RoomID)
	c.mu.Unlock()

	c.emit(notify)
	return nil
}

// LoadRoom merges the persisted history of roomID into the projection.
// Persisted records come first in timestamp order, followed by records
// appended in memory that the store does not have yet. Where both hold a
// record the in-memory one wins.
func (c *Coordinator) LoadRoom(ctx context.Context, roomID string) ([]models.Message, error) {
	if roomID == "" {
		return nil, ErrNoRoom
	}
	stored, err := c.store.ListByRoom(ctx, roomID)
	if err != nil {
		c.logger.Warn("load room history failed", "room_id", roomID, "error", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	existing := c.rooms[roomID]
	order := make([]string, 0, len(stored)+len(existing))
	inStore := make(map[string]struct{}, len(stored))
	for _, message := range stored {
		if _, dup := inStore[message.ID]; dup {
			continue
		}
		inStore[message.ID] = struct{}{}
		order = append(order, message.ID)
		if _, ok := c.byID[message.ID]; !ok {
			loaded := message.Clone()
			c.byID[message.ID] = &loaded
		}
	}
	for _, id := range existing {
		if _, ok := inStore[id]; !ok {
			order = append(order, id)
		}
	}
	c.rooms[roomID] = order
	view := c.viewLocked(roomID, false)
	c.mu.Unlock()

	c.emit(change{roomID: roomID, view: view})
	return view, err
}

// View returns the active messages of a room: everything except tombstones.
func (c *Coordinator) View(roomID string) []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked(roomID, false)
}

// History returns every message of a room, tombstones included.
func (c *Coordinator) History(roomID string) []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked(roomID, true)
}

// Get returns one message from the projection.
func (c *Coordinator) Get(messageID string) (models.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	message, ok := c.byID[messageID]
	if !ok {
		return models.Message{}, false
	}
	return message.Clone(), true
}

// Recover marks messages persisted as sending, with no live timer in this
// process, as failed so they can be retried. It needs a store that can list
// by status and reports how many messages it changed.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	lister, ok := c.store.(statusLister)
	if !ok {
		return 0, nil
	}
	stranded, err := lister.ListByStatus(ctx, models.StatusSending)
	if err != nil {
		return 0, fmt.Errorf("list stranded messages: %w", err)
	}

	var notifications []change
	recovered := 0

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	for _, message := range stranded {
		if _, live := c.pending[message.ID]; live {
			continue
		}
		if message.Sender.ID != c.self.ID {
			continue
		}
		failed := message.Clone()
		failed.Status = models.StatusFailed
		if current, ok := c.byID[message.ID]; ok {
			current.Status = models.StatusFailed
			failed = *current
		}
		c.persistUpdate(ctx, failed)
		recovered++
		if _, loaded := c.rooms[failed.RoomID]; loaded {
			notifications = append(notifications, c.changeLocked(failed.RoomID))
		}
	}
	c.mu.Unlock()

	for _, notify := range notifications {
		c.emit(notify)
	}
	if recovered > 0 {
		c.logger.Info("recovered stranded sends", "count", recovered)
	}
	return recovered, nil
}

// Close cancels every timer and releases transport subscriptions.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for id, p := range c.pending {
		p.stop()
		delete(c.pending, id)
	}
	c.listeners = nil
	c.mu.Unlock()

	for _, sub := range c.subs {
		c.channel.Unsubscribe(sub)
	}
	c.subs = nil
}

func (c *Coordinator) onMessageEvent(event transport.Event) {
	var message models.Message
	if err := event.Decode(0, &message); err != nil {
		c.logger.Warn("dropping undecodable message event", "error", err)
		return
	}
	c.HandleIncoming(context.Background(), message)
}

func (c *Coordinator) onAckEvent(event transport.Event) {
	var messageID string
	if err := event.Decode(0, &messageID); err != nil {
		c.logger.Warn("dropping undecodable ack event", "error", err)
		return
	}
	c.HandleAck(context.Background(), messageID)
}

// armAckTimerLocked must be called with c.mu held.
func (c *Coordinator) armAckTimerLocked(messageID string, attempt int) clock.Timer {
	return c.clock.AfterFunc(c.ackTimeout, func() {
		c.ackExpired(messageID, attempt)
	})
}

func (c *Coordinator) ackExpired(messageID string, attempt int) {
	ctx := context.Background()

	c.mu.Lock()
	message, ok := c.byID[messageID]
	if c.closed || !ok || message.Status != models.StatusSending || message.RetryCount != attempt {
		c.mu.Unlock()
		c.logger.Debug("ignoring stale ack timer", "message_id", messageID, "attempt", attempt)
		return
	}
	if p, ok := c.pending[messageID]; ok {
		p.stop()
		delete(c.pending, messageID)
	}
	message.Status = models.StatusFailed
	c.persistUpdate(ctx, *message)
	notify := c.changeLocked(message.RoomID)
	c.mu.Unlock()

	c.logger.Warn("message delivery failed",
		"message_id", messageID,
		"room_id", notify.roomID,
		"attempt", attempt,
		"error", ErrAckTimeout,
	)
	c.emit(notify)
}

func (c *Coordinator) republish(messageID string, attempt int) {
	c.mu.Lock()
	message, ok := c.byID[messageID]
	if c.closed || !ok || message.Status != models.StatusSending || message.RetryCount != attempt {
		c.mu.Unlock()
		c.logger.Debug("dropping stale retry", "message_id", messageID, "attempt", attempt)
		return
	}
	p, ok := c.pending[messageID]
	if !ok {
		p = &pending{}
		c.pending[messageID] = p
	}
	p.retry = nil
	p.ack = c.armAckTimerLocked(messageID, attempt)
	outgoing := message.Clone()
	c.mu.Unlock()

	c.publish(context.Background(), outgoing)
}

func (c *Coordinator) publish(ctx context.Context, message models.Message) {
	if err := c.channel.Publish(ctx, transport.EventMessage, message); err != nil {
		c.logger.Warn("publish message failed; waiting for ack timeout",
			"message_id", message.ID,
			"room_id", message.RoomID,
			"error", err,
		)
	}
}

// appendLocked must be called with c.mu held.
func (c *Coordinator) appendLocked(message models.Message) {
	stored := message
	c.byID[message.ID] = &stored
	c.rooms[message.RoomID] = append(c.rooms[message.RoomID], message.ID)
}

func (c *Coordinator) viewLocked(roomID string, includeDeleted bool) []models.Message {
	ids := c.rooms[roomID]
	out := make([]models.Message, 0, len(ids))
	for _, id := range ids {
		message, ok := c.byID[id]
		if !ok {
			continue
		}
		if message.IsDeleted() && !includeDeleted {
			continue
		}
		out = append(out, message.Clone())
	}
	return out
}

func (c *Coordinator) changeLocked(roomID string) change {
	listeners := len(c.listeners)
	if listeners == 0 {
		return change{roomID: roomID}
	}
	return change{roomID: roomID, view: c.viewLocked(roomID, false)}
}

func (c *Coordinator) emit(notify change) {
	c.mu.Lock()
	listeners := append([]ChangeFunc(nil), c.listeners...)
	c.mu.Unlock()

	for _, f := range listeners {
		f(notify.roomID, notify.view)
	}
}

func (c *Coordinator) persistAdd(ctx context.Context, message models.Message) {
	err := c.store.Add(ctx, message)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrDuplicateKey):
		c.logger.Debug("message already stored", "message_id", message.ID)
	default:
		c.logger.Warn("persist message failed", "message_id", message.ID, "room_id", message.RoomID, "error", err)
	}
}

func (c *Coordinator) persistUpdate(ctx context.Context, message models.Message) {
	if err := c.store.Update(ctx, message); err != nil {
		c.logger.Warn("update message failed",
			"message_id", message.ID,
			"room_id", message.RoomID,
			"status", string(message.Status),
			"error", err,
		)
	}
}

func (c *Coordinator) recordSeen(ctx context.Context, messageID string) {
	if c.seen == nil {
		return
	}
	if err := c.seen.InsertSeenID(ctx, messageID, clock.UnixMilli(c.clock)); err != nil {
		c.logger.Warn("record seen message id failed", "message_id", messageID, "error", err)
	}
}

func (c *Coordinator) hasSeen(ctx context.Context, messageID string) bool {
	if c.seen == nil {
		return false
	}
	seen, err := c.seen.HasSeenID(ctx, messageID)
	if err != nil {
		c.logger.Warn("check seen message id failed", "message_id", messageID, "error", err)
		return false
	}
	return seen
}
