// Package rooms keeps the list of known rooms and which one is active.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"chatline/models"
	"chatline/transport"
)

var (
	// ErrUnknownRoom indicates a room id the directory has not seen.
	ErrUnknownRoom = errors.New("rooms: unknown room")
	// ErrInvalidRoom indicates a room missing its id, name or type.
	ErrInvalidRoom = errors.New("rooms: invalid room")
)

// Store persists rooms between runs.
type Store interface {
	SaveRoom(ctx context.Context, room models.Room) error
	ListRooms(ctx context.Context) ([]models.Room, error)
}

// ChangeFunc receives the room list and active room id after every change.
type ChangeFunc func(rooms []models.Room, activeID string)

// Options configures a Directory.
type Options struct {
	Self    models.User
	Channel transport.Channel
	Store   Store
	Logger  *slog.Logger
	NewID   func() string
}

// Directory tracks rooms announced over the channel. The first room to
// arrive becomes active when nothing is selected.
type Directory struct {
	self    models.User
	channel transport.Channel
	store   Store
	logger  *slog.Logger
	newID   func() string
	subs    []transport.Subscription

	mu        sync.Mutex
	rooms     []models.Room
	index     map[string]int
	active    string
	listeners []ChangeFunc
}

// New returns a directory subscribed to roomCreated and roomUpdated.
func New(options Options) (*Directory, error) {
	if options.Channel == nil {
		return nil, errors.New("rooms: channel is required")
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.NewID == nil {
		options.NewID = uuid.NewString
	}

	d := &Directory{
		self:    options.Self,
		channel: options.Channel,
		store:   options.Store,
		logger:  options.Logger,
		newID:   options.NewID,
		index:   make(map[string]int),
	}
	d.subs = append(d.subs,
		d.channel.Subscribe(transport.EventRoomCreated, d.onCreated),
		d.channel.Subscribe(transport.EventRoomUpdated, d.onUpdated),
	)
	return d, nil
}

// Load restores persisted rooms. Rooms already known are left untouched.
func (d *Directory) Load(ctx context.Context) error {
	if d.store == nil {
		return nil
	}
	stored, err := d.store.ListRooms(ctx)
	if err != nil {
		return fmt.Errorf("load rooms: %w", err)
	}

	d.mu.Lock()
	for _, room := range stored {
		d.addLocked(room)
	}
	rooms, active := d.snapshotLocked()
	d.mu.Unlock()

	d.emit(rooms, active)
	return nil
}

// OnChange registers f to receive the room list after every change.
func (d *Directory) OnChange(f ChangeFunc) {
	if f == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, f)
}

// HandleCreated adds a new room. A room id already known is ignored.
func (d *Directory) HandleCreated(ctx context.Context, room models.Room) bool {
	if err := validate(room); err != nil {
		d.logger.Warn("dropping invalid room", "room_id", room.ID, "error", err)
		return false
	}

	d.mu.Lock()
	if !d.addLocked(room) {
		d.mu.Unlock()
		return false
	}
	rooms, active := d.snapshotLocked()
	d.mu.Unlock()

	d.persist(ctx, room)
	d.emit(rooms, active)
	return true
}

// HandleUpdated replaces a known room. Unknown rooms are ignored.
func (d *Directory) HandleUpdated(ctx context.Context, room models.Room) bool {
	if err := validate(room); err != nil {
		d.logger.Warn("dropping invalid room update", "room_id", room.ID, "error", err)
		return false
	}

	d.mu.Lock()
	i, ok := d.index[room.ID]
	if !ok {
		d.mu.Unlock()
		return false
	}
	d.rooms[i] = cloneRoom(room)
	rooms, active := d.snapshotLocked()
	d.mu.Unlock()

	d.persist(ctx, room)
	d.emit(rooms, active)
	return true
}

// CreateDirect creates a one-to-one room with other and announces it.
func (d *Directory) CreateDirect(ctx context.Context, other models.User) (models.Room, error) {
	if other.ID == "" {
		return models.Room{}, fmt.Errorf("%w: other user id is required", ErrInvalidRoom)
	}
	room := models.Room{
		ID:           "direct_" + d.newID(),
		Type:         models.RoomDirect,
		Name:         other.Name,
		Participants: []models.User{d.self, other},
	}
	d.create(ctx, room)
	return room, nil
}

// CreateGroup creates a group room with members plus the local user and
// announces it.
func (d *Directory) CreateGroup(ctx context.Context, name string, members []models.User) (models.Room, error) {
	if name == "" {
		return models.Room{}, fmt.Errorf("%w: group name is required", ErrInvalidRoom)
	}
	participants := append([]models.User(nil), members...)
	participants = append(participants, d.self)
	room := models.Room{
		ID:           "group_" + d.newID(),
		Type:         models.RoomGroup,
		Name:         name,
		Participants: participants,
	}
	d.create(ctx, room)
	return room, nil
}

// create adds room locally, then announces it. A failed announce leaves the
// local room in place.
func (d *Directory) create(ctx context.Context, room models.Room) {
	d.HandleCreated(ctx, room)
	if err := d.channel.Publish(ctx, transport.EventRoomCreated, room); err != nil {
		d.logger.Warn("announce room failed", "room_id", room.ID, "error", err)
	}
}

// Select makes roomID the active room.
func (d *Directory) Select(roomID string) error {
	d.mu.Lock()
	if _, ok := d.index[roomID]; !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownRoom, roomID)
	}
	if d.active == roomID {
		d.mu.Unlock()
		return nil
	}
	d.active = roomID
	rooms, active := d.snapshotLocked()
	d.mu.Unlock()

	d.emit(rooms, active)
	return nil
}

// Active returns the active room.
func (d *Directory) Active() (models.Room, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i, ok := d.index[d.active]
	if !ok {
		return models.Room{}, false
	}
	return cloneRoom(d.rooms[i]), true
}

// ActiveID returns the active room id, or "" when none is selected.
func (d *Directory) ActiveID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Get returns one room.
func (d *Directory) Get(roomID string) (models.Room, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i, ok := d.index[roomID]
	if !ok {
		return models.Room{}, false
	}
	return cloneRoom(d.rooms[i]), true
}

// Rooms returns every room in arrival order.
func (d *Directory) Rooms() []models.Room {
	d.mu.Lock()
	defer d.mu.Unlock()
	rooms, _ := d.snapshotLocked()
	return rooms
}

// Close releases channel subscriptions.
func (d *Directory) Close() {
	for _, sub := range d.subs {
		d.channel.Unsubscribe(sub)
	}
	d.subs = nil
}

func (d *Directory) onCreated(event transport.Event) {
	var room models.Room
	if err := event.Decode(0, &room); err != nil {
		d.logger.Warn("dropping undecodable roomCreated event", "error", err)
		return
	}
	d.HandleCreated(context.Background(), room)
}

func (d *Directory) onUpdated(event transport.Event) {
	var room models.Room
	if err := event.Decode(0, &room); err != nil {
		d.logger.Warn("dropping undecodable roomUpdated event", "error", err)
		return
	}
	d.HandleUpdated(context.Background(), room)
}

// addLocked must be called with d.mu held.
func (d *Directory) addLocked(room models.Room) bool {
	if _, ok := d.index[room.ID]; ok {
		return false
	}
	d.index[room.ID] = len(d.rooms)
	d.rooms = append(d.rooms, cloneRoom(room))
	if d.active == "" {
		d.active = room.ID
	}
	return true
}

func (d *Directory) snapshotLocked() ([]models.Room, string) {
	out := make([]models.Room, 0, len(d.rooms))
	for _, room := range d.rooms {
		out = append(out, cloneRoom(room))
	}
	return out, d.active
}

func (d *Directory) emit(rooms []models.Room, active string) {
	d.mu.Lock()
	listeners := append([]ChangeFunc(nil), d.listeners...)
	d.mu.Unlock()

	for _, f := range listeners {
		f(rooms, active)
	}
}

func (d *Directory) persist(ctx context.Context, room models.Room) {
	if d.store == nil {
		return
	}
	if err := d.store.SaveRoom(ctx, room); err != nil {
		d.logger.Warn("persist room failed", "room_id", room.ID, "error", err)
	}
}

func validate(room models.Room) error {
	if room.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRoom)
	}
	if room.Type != models.RoomDirect && room.Type != models.RoomGroup {
		return fmt.Errorf("%w: type %q", ErrInvalidRoom, room.Type)
	}
	return nil
}

func cloneRoom(room models.Room) models.Room {
	out := room
	out.Participants = append([]models.User(nil), room.Participants...)
	if room.LastMessage != nil {
		last := room.LastMessage.Clone()
		out.LastMessage = &last
	}
	if room.UnreadCount != nil {
		unread := *room.UnreadCount
		out.UnreadCount = &unread
	}
	return out
}
