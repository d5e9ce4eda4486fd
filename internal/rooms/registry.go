// Package rooms owns the in-memory room registry: room records, their
// participant sets, passphrase digests and the embedded transport handle.
// Rooms are memory-only and rebuilt empty on every hub start.
//
// Locking: the registry-wide mutex guards the room map; each room's
// mutex guards its participants and handle. Lock order is always
// registry → room. Transport stop and port release happen after the
// locks are dropped; stopping a child can block for the kill grace
// window.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/bcrypt"

	"jackdaw/hub/internal/ports"
	"jackdaw/hub/internal/transport"
)

// passphraseCost is the bcrypt work factor for room passphrases.
const passphraseCost = 12

// SystemCreator is recorded as the creator of the default room in
// single-room mode, which exists before any user logs in.
const SystemCreator = "system"

// DefaultRoomID is the fixed identifier of the single-room-mode room.
const DefaultRoomID = "main"

var (
	// ErrUnknownRoom is returned for a room id not in the registry.
	ErrUnknownRoom = errors.New("room not found")
	// ErrBadPassphrase is returned when a private room's passphrase is
	// missing or wrong.
	ErrBadPassphrase = errors.New("bad passphrase")
	// ErrRoomFull is returned when a join would exceed the cap.
	ErrRoomFull = errors.New("room is full")
	// ErrNotIn is returned when leaving a room the user is not in.
	ErrNotIn = errors.New("not in room")
	// ErrCreateDisabled is returned for create/delete in single-room mode.
	ErrCreateDisabled = errors.New("room creation disabled")
	// ErrNotCreator is returned when a non-creator tries to delete a room.
	ErrNotCreator = errors.New("only the room creator can delete it")
)

// Spawner is the slice of the transport supervisor the registry needs.
type Spawner interface {
	Spawn(ctx context.Context, roomID string, port, channels int) (*transport.Handle, error)
	Stop(h *transport.Handle)
}

// Room is one live collaboration session. All fields below mu are
// guarded by it.
type Room struct {
	ID              string
	Name            string
	Creator         string
	CreatedAt       time.Time
	MaxParticipants int
	Port            int

	mu             sync.Mutex
	handle         *transport.Handle
	passphraseHash []byte
	participants   []string // ordered, first joiner first
	emptySince     time.Time
}

// Summary is the listing shape; passphrase material never appears.
type Summary struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Creator         string `json:"creator"`
	Participants    int    `json:"participants"`
	MaxParticipants int    `json:"max_participants"`
	IsPrivate       bool   `json:"is_private"`
	CreatedAt       string `json:"created_at"`
}

// Detail is the single-room shape with the participant list.
type Detail struct {
	Summary
	ParticipantIDs []string `json:"participant_ids"`
	JacktripPort   int      `json:"jacktrip_port"`
}

// JoinInfo tells a client how to reach its room's transport process.
type JoinInfo struct {
	RoomID         string `json:"room_id"`
	RoomName       string `json:"room_name"`
	HubHost        string `json:"hub_host"`
	JacktripPort   int    `json:"jacktrip_port"`
	ClientNameHint string `json:"client_name_hint"`
}

// Options configures a registry.
type Options struct {
	HubHost           string
	TransportChannels int
	SingleRoomMode    bool
	DefaultMaxSize    int
}

// Registry is the room map plus the collaborators that back each room.
type Registry struct {
	opts  Options
	alloc *ports.Allocator
	sup   Spawner

	mu    sync.RWMutex
	rooms map[string]*Room
	// pendingExits holds room ids whose transport died in the window
	// between Spawn returning and the room landing in the map. startRoom
	// consumes the entry and fails the create instead of recording a
	// room with a dead transport.
	pendingExits map[string]struct{}

	seq atomic.Uint64

	// onChange is invoked after every room create or destroy so the
	// patchbay broker can fan out the event and a fresh snapshot.
	// Set once at wiring.
	onChange func(event, roomID string)
}

// New creates an empty registry.
func New(opts Options, alloc *ports.Allocator, sup Spawner) *Registry {
	if opts.DefaultMaxSize <= 0 {
		opts.DefaultMaxSize = 4
	}
	if opts.TransportChannels <= 0 {
		opts.TransportChannels = 2
	}
	return &Registry{
		opts:         opts,
		alloc:        alloc,
		sup:          sup,
		rooms:        make(map[string]*Room),
		pendingExits: make(map[string]struct{}),
	}
}

// SetChangeListener installs the room-change callback. Must be called
// before the registry is used. event is "room_created" or
// "room_destroyed".
func (r *Registry) SetChangeListener(fn func(event, roomID string)) {
	r.onChange = fn
}

func (r *Registry) notify(event, roomID string) {
	if r.onChange != nil {
		r.onChange(event, roomID)
	}
}

// Create allocates a port, spawns a transport process and records the
// room. On any failure the acquired resources are released and a single
// error is surfaced; a failed create leaks no port and spawns nothing.
func (r *Registry) Create(ctx context.Context, creator, name, passphrase string, maxParticipants int) (Summary, error) {
	if r.opts.SingleRoomMode {
		return Summary{}, ErrCreateDisabled
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Summary{}, fmt.Errorf("room name is required")
	}
	if maxParticipants <= 0 {
		maxParticipants = r.opts.DefaultMaxSize
	}

	var hash []byte
	if passphrase != "" {
		var err error
		hash, err = bcrypt.GenerateFromPassword([]byte(passphrase), passphraseCost)
		if err != nil {
			return Summary{}, fmt.Errorf("hash passphrase: %w", err)
		}
	}

	id := fmt.Sprintf("%s-%d", slug(name), r.seq.Add(1))
	return r.startRoom(ctx, id, name, creator, hash, maxParticipants)
}

// InitDefaultRoom creates the single-room-mode room at startup with the
// fixed identifier and a synthetic system creator. The room is public,
// never reaped and never destroyed on empty.
func (r *Registry) InitDefaultRoom(ctx context.Context, bandName string, maxParticipants int) (Summary, error) {
	if maxParticipants <= 0 {
		maxParticipants = r.opts.DefaultMaxSize
	}
	return r.startRoom(ctx, DefaultRoomID, bandName, SystemCreator, nil, maxParticipants)
}

func (r *Registry) startRoom(ctx context.Context, id, name, creator string, passphraseHash []byte, maxParticipants int) (Summary, error) {
	port, err := r.alloc.Acquire()
	if err != nil {
		return Summary{}, err
	}

	handle, err := r.sup.Spawn(ctx, id, port, r.opts.TransportChannels)
	if err != nil {
		r.alloc.Release(port)
		return Summary{}, err
	}

	room := &Room{
		ID:              id,
		Name:            name,
		Creator:         creator,
		CreatedAt:       time.Now().UTC(),
		MaxParticipants: maxParticipants,
		Port:            port,
		handle:          handle,
		passphraseHash:  passphraseHash,
		emptySince:      time.Now(),
	}

	r.mu.Lock()
	r.rooms[id] = room
	_, died := r.pendingExits[id]
	delete(r.pendingExits, id)
	r.mu.Unlock()

	if died {
		// The transport exited after the startup probe but before the
		// room was recorded, so the exit callback found nothing to
		// destroy and parked the event. Fail the create like a probe
		// failure; the room was never announced.
		r.mu.Lock()
		delete(r.rooms, id)
		r.mu.Unlock()
		r.sup.Stop(handle)
		r.alloc.Release(port)
		return Summary{}, fmt.Errorf("%w: process exited during startup", transport.ErrSpawnFailed)
	}

	slog.Info("room created",
		"room_id", id, "name", name, "creator", creator,
		"port", port, "private", passphraseHash != nil)
	r.notify("room_created", id)
	return room.snapshotSummary(), nil
}

// List returns a snapshot of all live rooms. The registry lock is
// released before the result is serialised.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	snapshot := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		snapshot = append(snapshot, room)
	}
	r.mu.RUnlock()

	out := make([]Summary, 0, len(snapshot))
	for _, room := range snapshot {
		out = append(out, room.snapshotSummary())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns one room's detail.
func (r *Registry) Get(id string) (Detail, error) {
	room, err := r.room(id)
	if err != nil {
		return Detail{}, err
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	d := Detail{
		Summary:        room.summaryLocked(),
		ParticipantIDs: append([]string(nil), room.participants...),
		JacktripPort:   room.Port,
	}
	return d, nil
}

// Join verifies the passphrase, adds the user to the participant set and
// returns transport connection details. Rejoin by a present user is
// idempotent; a failed join leaves no residual participant entry.
func (r *Registry) Join(id, userID, passphrase string) (JoinInfo, error) {
	room, err := r.room(id)
	if err != nil {
		return JoinInfo{}, err
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.passphraseHash != nil {
		if bcrypt.CompareHashAndPassword(room.passphraseHash, []byte(passphrase)) != nil {
			return JoinInfo{}, ErrBadPassphrase
		}
	}

	if !contains(room.participants, userID) {
		if len(room.participants) >= room.MaxParticipants {
			return JoinInfo{}, ErrRoomFull
		}
		room.participants = append(room.participants, userID)
		room.emptySince = time.Time{}
		slog.Info("user joined room", "room_id", id, "user_id", userID, "participants", len(room.participants))
	}

	return JoinInfo{
		RoomID:         room.ID,
		RoomName:       room.Name,
		HubHost:        r.opts.HubHost,
		JacktripPort:   room.Port,
		ClientNameHint: room.ID,
	}, nil
}

// Leave removes the user from the room. When the last participant leaves
// in multi-room mode the room is destroyed; in single-room mode the room
// persists empty.
func (r *Registry) Leave(id, userID string) error {
	room, err := r.room(id)
	if err != nil {
		return err
	}

	room.mu.Lock()
	idx := index(room.participants, userID)
	if idx < 0 {
		room.mu.Unlock()
		return ErrNotIn
	}
	room.participants = append(room.participants[:idx], room.participants[idx+1:]...)
	empty := len(room.participants) == 0
	if empty {
		room.emptySince = time.Now()
	}
	room.mu.Unlock()

	slog.Info("user left room", "room_id", id, "user_id", userID)

	if empty && !r.opts.SingleRoomMode {
		r.destroy(id, "empty")
	}
	return nil
}

// Delete destroys a room on behalf of its creator.
func (r *Registry) Delete(id, requesterID string) error {
	if r.opts.SingleRoomMode {
		return ErrCreateDisabled
	}
	room, err := r.room(id)
	if err != nil {
		return err
	}
	if room.Creator != requesterID {
		return ErrNotCreator
	}
	r.destroy(id, "deleted by creator")
	return nil
}

// HandleTransportExit tears down a room whose transport process died.
// All participants are implicitly evicted and the port is released.
func (r *Registry) HandleTransportExit(roomID string) {
	r.mu.Lock()
	if _, ok := r.rooms[roomID]; !ok {
		// Raced room creation: the watcher fired between Spawn
		// returning and the room being recorded. Park the event for
		// startRoom to consume.
		r.pendingExits[roomID] = struct{}{}
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	slog.Warn("destroying room after transport death", "room_id", roomID)
	r.destroy(roomID, "transport died")
}

// Reap destroys rooms that have been empty longer than grace. This is
// belt-and-braces for multi-room mode; Leave already destroys empty
// rooms. The default room is never reaped.
func (r *Registry) Reap(grace time.Duration) int {
	if r.opts.SingleRoomMode {
		return 0
	}

	r.mu.RLock()
	var stale []string
	now := time.Now()
	for id, room := range r.rooms {
		room.mu.Lock()
		if len(room.participants) == 0 && !room.emptySince.IsZero() && now.Sub(room.emptySince) > grace {
			stale = append(stale, id)
		}
		room.mu.Unlock()
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.destroy(id, "reaped")
	}
	return len(stale)
}

// DestroyAll tears down every room; called on shutdown.
func (r *Registry) DestroyAll() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.destroy(id, "shutdown")
	}
}

// destroy removes the room record under the registry lock, then stops
// the transport and releases the port without holding any lock.
func (r *Registry) destroy(id, reason string) {
	r.mu.Lock()
	room, ok := r.rooms[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.rooms, id)
	r.mu.Unlock()

	room.mu.Lock()
	handle := room.handle
	room.handle = nil
	room.participants = nil
	room.mu.Unlock()

	if handle != nil {
		r.sup.Stop(handle)
	}
	r.alloc.Release(room.Port)

	slog.Info("room destroyed", "room_id", id, "reason", reason, "port", room.Port)
	r.notify("room_destroyed", id)
}

// Counts returns (active rooms, total participants) for health reporting.
func (r *Registry) Counts() (int, int) {
	r.mu.RLock()
	snapshot := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		snapshot = append(snapshot, room)
	}
	r.mu.RUnlock()

	total := 0
	for _, room := range snapshot {
		room.mu.Lock()
		total += len(room.participants)
		room.mu.Unlock()
	}
	return len(snapshot), total
}

func (r *Registry) room(id string) (*Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[id]
	if !ok {
		return nil, ErrUnknownRoom
	}
	return room, nil
}

func (room *Room) snapshotSummary() Summary {
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.summaryLocked()
}

// summaryLocked requires room.mu held.
func (room *Room) summaryLocked() Summary {
	return Summary{
		ID:              room.ID,
		Name:            room.Name,
		Creator:         room.Creator,
		Participants:    len(room.participants),
		MaxParticipants: room.MaxParticipants,
		IsPrivate:       room.passphraseHash != nil,
		CreatedAt:       room.CreatedAt.Format(time.RFC3339),
	}
}

// slug reduces a display name to a lowercase identifier fragment.
func slug(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		out = "room"
	}
	return out
}

func contains(s []string, v string) bool {
	return index(s, v) >= 0
}

func index(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
