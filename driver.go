package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"chatline/call"
	"chatline/delivery"
	"chatline/media"
	"chatline/models"
	"chatline/rooms"
	"chatline/storage"
)

const helpText = `commands:
  <text>                      send a message to the active room
  /rooms                      list rooms
  /room <id>                  switch the active room
  /dm <user-id> <name>        start a direct room
  /group <name> <id:name,...> start a group room
  /history                    show the active room, deleted messages included
  /retry <message-id>         resend a failed message
  /delete <message-id>        delete a message locally
  /file <path>                send a file
  /call audio|video|screen [source]
  /source <id>                pick a screen source
  /cancel                     cancel source selection
  /mute, /camera              toggle audio or video
  /end                        end the call
  /calls                      show the call log for the active room
  /devices                    list capture devices
  /quit`

type command struct {
	name string
	args []string
	// rest is everything after the command name, untokenized.
	rest string
}

func parseCommand(line string) command {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{rest: line}
	}
	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	return command{name: strings.ToLower(name), args: strings.Fields(rest), rest: rest}
}

// parseMembers reads "id:name,id:name". A member without a name uses its id.
func parseMembers(raw string) ([]models.User, error) {
	var members []models.User
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, name, _ := strings.Cut(part, ":")
		id = strings.TrimSpace(id)
		name = strings.TrimSpace(name)
		if id == "" {
			return nil, fmt.Errorf("member %q has no id", part)
		}
		if name == "" {
			name = id
		}
		members = append(members, models.User{ID: id, Name: name})
	}
	if len(members) == 0 {
		return nil, errors.New("at least one member is required")
	}
	return members, nil
}

type driverDeps struct {
	out         io.Writer
	self        models.User
	store       *storage.Store
	directory   *rooms.Directory
	coordinator *delivery.Coordinator
	calls       *call.Manager
	acquirer    media.Acquirer
	logger      *slog.Logger
}

// driver turns stdin lines into intents and prints state changes.
type driver struct {
	driverDeps

	mu           sync.Mutex
	printed      map[string]models.MessageStatus
	activeRoom   string
	callState    call.State
	sourcesShown bool
}

func newDriver(deps driverDeps) *driver {
	if deps.logger == nil {
		deps.logger = slog.Default()
	}
	return &driver{
		driverDeps: deps,
		printed:    make(map[string]models.MessageStatus),
		callState:  call.StateIdle,
	}
}

func (d *driver) watch() {
	d.coordinator.OnChange(d.onMessages)
	d.calls.OnChange(d.onSession)
	d.directory.OnChange(d.onRooms)
	d.onRooms(d.directory.Rooms(), d.directory.ActiveID())
}

func (d *driver) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			quit, err := d.handle(ctx, line)
			if err != nil {
				d.printf("error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func (d *driver) handle(ctx context.Context, line string) (bool, error) {
	cmd := parseCommand(line)
	switch cmd.name {
	case "":
		if cmd.rest == "" {
			return false, nil
		}
		_, err := d.coordinator.Send(ctx, d.directory.ActiveID(), cmd.rest, models.KindText, nil)
		return false, err
	case "quit", "exit":
		return true, nil
	case "help":
		d.printf("%s\n", helpText)
	case "rooms":
		active := d.directory.ActiveID()
		for _, room := range d.directory.Rooms() {
			marker := " "
			if room.ID == active {
				marker = "*"
			}
			d.printf("%s %s  %s (%s, %d members)\n", marker, room.ID, room.Name, room.Type, len(room.Participants))
		}
	case "room":
		if len(cmd.args) != 1 {
			return false, errors.New("usage: /room <id>")
		}
		return false, d.directory.Select(cmd.args[0])
	case "dm":
		if len(cmd.args) < 1 {
			return false, errors.New("usage: /dm <user-id> <name>")
		}
		name := strings.TrimSpace(strings.TrimPrefix(cmd.rest, cmd.args[0]))
		if name == "" {
			name = cmd.args[0]
		}
		room, err := d.directory.CreateDirect(ctx, models.User{ID: cmd.args[0], Name: name})
		if err != nil {
			return false, err
		}
		return false, d.directory.Select(room.ID)
	case "group":
		if len(cmd.args) < 2 {
			return false, errors.New("usage: /group <name> <id:name,...>")
		}
		members, err := parseMembers(strings.Join(cmd.args[1:], " "))
		if err != nil {
			return false, err
		}
		room, err := d.directory.CreateGroup(ctx, cmd.args[0], members)
		if err != nil {
			return false, err
		}
		return false, d.directory.Select(room.ID)
	case "history":
		for _, message := range d.coordinator.History(d.directory.ActiveID()) {
			d.printf("%s\n", formatMessage(message))
		}
	case "retry", "delete":
		if len(cmd.args) != 1 {
			return false, fmt.Errorf("usage: /%s <message-id>", cmd.name)
		}
		id, err := d.resolveMessageID(cmd.args[0])
		if err != nil {
			return false, err
		}
		if cmd.name == "retry" {
			return false, d.coordinator.Retry(ctx, id)
		}
		if err := d.coordinator.Delete(ctx, id); err != nil {
			return false, err
		}
		// Deleted messages leave the view, so report the tombstone here.
		d.mu.Lock()
		d.printed[id] = models.StatusDeleted
		d.mu.Unlock()
		d.printf("  #%s deleted\n", shortID(id))
	case "file":
		if cmd.rest == "" {
			return false, errors.New("usage: /file <path>")
		}
		file, closer, err := delivery.OpenFile(cmd.rest)
		if err != nil {
			return false, err
		}
		defer closer.Close()
		_, err = d.coordinator.SendFile(ctx, d.directory.ActiveID(), file)
		return false, err
	case "call":
		if len(cmd.args) < 1 {
			return false, errors.New("usage: /call audio|video|screen [source]")
		}
		callType := models.CallType(strings.ToLower(cmd.args[0]))
		if !models.ValidCallType(callType) {
			return false, fmt.Errorf("unknown call type %q", cmd.args[0])
		}
		source := ""
		if len(cmd.args) > 1 {
			source = cmd.args[1]
		}
		return false, d.calls.StartCall(ctx, callType, d.directory.ActiveID(), source)
	case "source":
		if len(cmd.args) != 1 {
			return false, errors.New("usage: /source <id>")
		}
		return false, d.calls.SelectSource(ctx, cmd.args[0])
	case "cancel":
		return false, d.calls.CancelSelection()
	case "end":
		d.calls.EndCall(ctx)
	case "mute":
		enabled, err := d.calls.ToggleAudio()
		if err == nil {
			d.printf("audio %s\n", onOff(enabled))
		}
		return false, err
	case "camera":
		enabled, err := d.calls.ToggleVideo()
		if err == nil {
			d.printf("video %s\n", onOff(enabled))
		}
		return false, err
	case "calls":
		events, err := d.store.ListCallEvents(ctx, d.directory.ActiveID(), 20)
		if err != nil {
			return false, err
		}
		for _, event := range events {
			d.printf("%d %s %s %dms %s\n", event.Timestamp, event.CallType, event.Event, event.DurationMS, event.Detail)
		}
	case "devices":
		devices, err := d.acquirer.Devices(ctx)
		if err != nil {
			return false, err
		}
		for _, device := range devices {
			d.printf("%-12s %-10s %s\n", device.ID, device.Kind, device.Label)
		}
	default:
		return false, fmt.Errorf("unknown command /%s (try /help)", cmd.name)
	}
	return false, nil
}

// resolveMessageID accepts a full id or a unique prefix within the active
// room.
func (d *driver) resolveMessageID(prefix string) (string, error) {
	var match string
	for _, message := range d.coordinator.History(d.directory.ActiveID()) {
		if message.ID == prefix {
			return message.ID, nil
		}
		if strings.HasPrefix(message.ID, prefix) {
			if match != "" {
				return "", fmt.Errorf("message id %q is ambiguous", prefix)
			}
			match = message.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("%w: %q", delivery.ErrUnknownMessage, prefix)
	}
	return match, nil
}

func (d *driver) onRooms(_ []models.Room, active string) {
	d.mu.Lock()
	changed := active != d.activeRoom
	d.activeRoom = active
	d.mu.Unlock()
	if !changed || active == "" {
		return
	}

	room, _ := d.directory.Get(active)
	d.printf("room: %s (%s)\n", room.Name, room.ID)
	if _, err := d.coordinator.LoadRoom(context.Background(), active); err != nil {
		d.logger.Warn("load room history failed", "room_id", active, "error", err)
	}
}

func (d *driver) onMessages(roomID string, view []models.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if roomID != d.activeRoom {
		return
	}
	for _, message := range view {
		previous, seen := d.printed[message.ID]
		if seen && previous == message.Status {
			continue
		}
		d.printed[message.ID] = message.Status
		if seen {
			fmt.Fprintf(d.out, "  #%s %s\n", shortID(message.ID), message.Status)
			continue
		}
		fmt.Fprintf(d.out, "%s\n", formatMessage(message))
	}
}

func (d *driver) onSession(session call.Session) {
	d.mu.Lock()
	changed := session.State != d.callState
	d.callState = session.State
	if changed {
		d.sourcesShown = false
	}
	showSources := session.State == call.StateSelectingSource && len(session.Sources) > 0 && !d.sourcesShown
	if showSources {
		d.sourcesShown = true
	}
	d.mu.Unlock()

	if changed {
		d.printf("call: %s %s\n", session.State, session.Type)
	}
	if showSources {
		for _, source := range session.Sources {
			d.printf("  source %s  %s\n", source.ID, source.Label)
		}
	}
	if session.Error != "" && changed {
		d.printf("call error: %s\n", session.Error)
	}
}

func (d *driver) printf(format string, args ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintf(d.out, format, args...)
}

func formatMessage(message models.Message) string {
	text := message.Text
	if message.Kind == models.KindFile {
		text = "[file] " + text
	}
	return fmt.Sprintf("#%s %s: %s (%s)", shortID(message.ID), message.Sender.Name, text, message.Status)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func onOff(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}
