// Package state keeps the live model of channels, users and chat messages
// reconciled from the chat protocol and the notification stream.
//
// Each registry is guarded by its own lock and every accessor returns a copy,
// so callers on the chat and notification loops never share mutable entities.
package state

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("state: not found")
	ErrExists   = errors.New("state: already exists")
	ErrNoID     = errors.New("state: entity id is required")
)

const DefaultMessageRetention = 10000

type channelUserKey struct {
	channelID string
	userID    string
}

type userRegistry struct {
	mu     sync.RWMutex
	byID   map[string]GlobalUser
	byName map[string]string
}

type channelRegistry struct {
	mu     sync.RWMutex
	byID   map[string]Channel
	byName map[string]string
}

type channelUserRegistry struct {
	mu    sync.RWMutex
	byKey map[channelUserKey]ChannelUser
}

type messageRegistry struct {
	mu    sync.RWMutex
	byID  map[uuid.UUID]Message
	order []uuid.UUID
	limit int
}

// Store owns the four entity registries.
type Store struct {
	users        userRegistry
	channels     channelRegistry
	channelUsers channelUserRegistry
	messages     messageRegistry
	now          func() time.Time
}

type Option func(*Store)

// WithMessageRetention bounds how many messages are kept; the oldest are
// evicted first. Zero or less keeps every message.
func WithMessageRetention(n int) Option {
	return func(s *Store) { s.messages.limit = n }
}

func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		users:        userRegistry{byID: map[string]GlobalUser{}, byName: map[string]string{}},
		channels:     channelRegistry{byID: map[string]Channel{}, byName: map[string]string{}},
		channelUsers: channelUserRegistry{byKey: map[channelUserKey]ChannelUser{}},
		messages:     messageRegistry{byID: map[uuid.UUID]Message{}, limit: DefaultMessageRetention},
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func nameKey(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "#"))
}

/***************
 * Global users
 ***************/

func (s *Store) InsertGlobalUser(u GlobalUser) error {
	if u.ID == "" {
		return ErrNoID
	}
	r := &s.users
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[u.ID]; ok {
		return fmt.Errorf("%w: user %s", ErrExists, u.ID)
	}
	u.Login = strings.ToLower(u.Login)
	r.byID[u.ID] = u
	r.index(GlobalUser{}, u)
	return nil
}

// index updates the name entries for a change from prev to next. byName is
// derived from byID: a login always owns its key, and a display name owns a
// key only while no user has that login.
func (r *userRegistry) index(prev, next GlobalUser) {
	loginKey, displayKey := nameKey(next.Login), nameKey(next.DisplayName)
	for _, n := range []string{prev.Login, prev.DisplayName} {
		if k := nameKey(n); k != "" && k != loginKey && k != displayKey && r.byName[k] == prev.ID {
			r.reindex(k)
		}
	}
	if displayKey != "" && displayKey != loginKey {
		if owner, ok := r.byName[displayKey]; !ok || owner == next.ID {
			r.byName[displayKey] = next.ID
		}
	}
	if loginKey != "" {
		r.byName[loginKey] = next.ID
	}
}

// reindex recomputes one vacated key from byID. Ties between display names
// go to the lowest id so the result does not depend on map order.
func (r *userRegistry) reindex(key string) {
	owner, byLogin := "", false
	for id, u := range r.byID {
		switch {
		case nameKey(u.Login) == key:
			if !byLogin || id < owner {
				owner, byLogin = id, true
			}
		case !byLogin && nameKey(u.DisplayName) == key:
			if owner == "" || id < owner {
				owner = id
			}
		}
	}
	if owner == "" {
		delete(r.byName, key)
		return
	}
	r.byName[key] = owner
}

// UpsertGlobalUser merges a delta into the user it names. Users with an id
// are created when missing; a delta without an id is resolved by login or
// display name and fails with ErrNotFound when nobody matches.
func (s *Store) UpsertGlobalUser(d GlobalUserDelta) (GlobalUser, error) {
	r := &s.users
	r.mu.Lock()
	defer r.mu.Unlock()

	id := d.ID
	if id == "" {
		name := nameKey(d.lookupName())
		if name == "" {
			return GlobalUser{}, ErrNoID
		}
		var ok bool
		if id, ok = r.byName[name]; !ok {
			return GlobalUser{}, fmt.Errorf("%w: user %q", ErrNotFound, name)
		}
	}

	prev, exists := r.byID[id]
	next := prev
	if !exists {
		next = GlobalUser{ID: id}
	}
	d.apply(&next)
	next.Login = strings.ToLower(next.Login)
	r.byID[id] = next
	r.index(prev, next)
	return next, nil
}

func (s *Store) GlobalUser(id string) (GlobalUser, error) {
	r := &s.users
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byID[id]
	if !ok {
		return GlobalUser{}, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	return u, nil
}

// FindGlobalUserByName matches login names first, then display names, both
// case-insensitively.
func (s *Store) FindGlobalUserByName(name string) (GlobalUser, bool) {
	r := &s.users
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[nameKey(name)]
	if !ok {
		return GlobalUser{}, false
	}
	u, ok := r.byID[id]
	return u, ok
}

/***************
 * Channels
 ***************/

func (s *Store) InsertChannel(c Channel) error {
	if c.ID == "" {
		return ErrNoID
	}
	r := &s.channels
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[c.ID]; ok {
		return fmt.Errorf("%w: channel %s", ErrExists, c.ID)
	}
	c.Name = nameKey(c.Name)
	r.byID[c.ID] = c
	if c.Name != "" {
		r.byName[c.Name] = c.ID
	}
	return nil
}

// UpsertChannel merges a delta into the channel it names, creating the
// channel when the id is new. Without an id the channel is resolved by name.
func (s *Store) UpsertChannel(d ChannelDelta) (Channel, error) {
	r := &s.channels
	r.mu.Lock()
	defer r.mu.Unlock()

	id := d.ID
	if id == "" {
		if d.Name == nil || nameKey(*d.Name) == "" {
			return Channel{}, ErrNoID
		}
		var ok bool
		if id, ok = r.byName[nameKey(*d.Name)]; !ok {
			return Channel{}, fmt.Errorf("%w: channel %q", ErrNotFound, nameKey(*d.Name))
		}
	}

	prev, exists := r.byID[id]
	next := prev
	if !exists {
		next = Channel{ID: id, FollowersOnly: -1}
	}
	d.apply(&next)
	next.Name = nameKey(next.Name)
	if prev.Name != "" && prev.Name != next.Name && r.byName[prev.Name] == id {
		delete(r.byName, prev.Name)
	}
	if next.Name != "" {
		r.byName[next.Name] = id
	}
	r.byID[id] = next
	return next, nil
}

func (s *Store) Channel(id string) (Channel, error) {
	r := &s.channels
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	if !ok {
		return Channel{}, fmt.Errorf("%w: channel %s", ErrNotFound, id)
	}
	return c, nil
}

func (s *Store) FindChannelByName(name string) (Channel, bool) {
	r := &s.channels
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[nameKey(name)]
	if !ok {
		return Channel{}, false
	}
	c, ok := r.byID[id]
	return c, ok
}

func (s *Store) Channels() []Channel {
	r := &s.channels
	r.mu.RLock()
	out := make([]Channel, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

/***************
 * Channel users
 ***************/

// UpsertChannelUser resolves the global user first (creating it when the
// delta carries an id), then merges the per-channel delta. The channel must
// already exist.
func (s *Store) UpsertChannelUser(channelID string, user GlobalUserDelta, d ChannelUserDelta) (ChannelUser, GlobalUser, error) {
	if _, err := s.Channel(channelID); err != nil {
		return ChannelUser{}, GlobalUser{}, err
	}
	gu, err := s.UpsertGlobalUser(user)
	if err != nil {
		return ChannelUser{}, GlobalUser{}, err
	}

	r := &s.channelUsers
	r.mu.Lock()
	defer r.mu.Unlock()
	key := channelUserKey{channelID: channelID, userID: gu.ID}
	cu, ok := r.byKey[key]
	if !ok {
		cu = ChannelUser{ChannelID: channelID, UserID: gu.ID}
	}
	d.apply(&cu)
	r.byKey[key] = cu
	return cu, gu, nil
}

func (s *Store) ChannelUser(channelID, userID string) (ChannelUser, error) {
	r := &s.channelUsers
	r.mu.RLock()
	defer r.mu.RUnlock()
	cu, ok := r.byKey[channelUserKey{channelID: channelID, userID: userID}]
	if !ok {
		return ChannelUser{}, fmt.Errorf("%w: channel user %s/%s", ErrNotFound, channelID, userID)
	}
	return cu, nil
}

// FindChannelUserByName resolves name through the global user index.
func (s *Store) FindChannelUserByName(channelID, name string) (ChannelUser, bool) {
	gu, ok := s.FindGlobalUserByName(name)
	if !ok {
		return ChannelUser{}, false
	}
	cu, err := s.ChannelUser(channelID, gu.ID)
	return cu, err == nil
}

// RemoveChannelUser drops a user's standing in a channel, e.g. on PART.
func (s *Store) RemoveChannelUser(channelID, userID string) {
	r := &s.channelUsers
	r.mu.Lock()
	delete(r.byKey, channelUserKey{channelID: channelID, userID: userID})
	r.mu.Unlock()
}

func (s *Store) ChannelUsers(channelID string) []ChannelUser {
	r := &s.channelUsers
	r.mu.RLock()
	var out []ChannelUser
	for k, cu := range r.byKey {
		if k.channelID == channelID {
			out = append(out, cu)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

/***************
 * Messages
 ***************/

// InsertMessage stores a message, assigning an id and arrival time when
// missing. Messages are never updated.
func (s *Store) InsertMessage(m Message) (Message, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = s.now().UTC()
	}

	r := &s.messages
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[m.ID]; ok {
		return Message{}, fmt.Errorf("%w: message %s", ErrExists, m.ID)
	}
	r.byID[m.ID] = m
	r.order = append(r.order, m.ID)
	if r.limit > 0 && len(r.order) > r.limit {
		drop := len(r.order) - r.limit
		for _, id := range r.order[:drop] {
			delete(r.byID, id)
		}
		r.order = append(r.order[:0:0], r.order[drop:]...)
	}
	return m, nil
}

func (s *Store) Message(id uuid.UUID) (Message, error) {
	r := &s.messages
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byID[id]
	if !ok {
		return Message{}, fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	return m, nil
}

// Stats is a point-in-time count of each registry.
type Stats struct {
	GlobalUsers  int `json:"global_users"`
	Channels     int `json:"channels"`
	ChannelUsers int `json:"channel_users"`
	Messages     int `json:"messages"`
}

func (s *Store) Stats() Stats {
	var st Stats
	s.users.mu.RLock()
	st.GlobalUsers = len(s.users.byID)
	s.users.mu.RUnlock()
	s.channels.mu.RLock()
	st.Channels = len(s.channels.byID)
	s.channels.mu.RUnlock()
	s.channelUsers.mu.RLock()
	st.ChannelUsers = len(s.channelUsers.byKey)
	s.channelUsers.mu.RUnlock()
	s.messages.mu.RLock()
	st.Messages = len(s.messages.byID)
	s.messages.mu.RUnlock()
	return st
}
