// Package registry tracks which users are reachable on which live channels.
// A user may hold several channels at once (one per device); channels may
// also subscribe to rooms for trip-scoped broadcasts.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-coordination/internal/apperr"
	"github.com/example/ride-coordination/internal/auth"
	"github.com/example/ride-coordination/internal/clock"
	"github.com/example/ride-coordination/internal/models"
	"github.com/example/ride-coordination/internal/observability"
)

const (
	EventAuthenticated      = "authenticated"
	EventAuthError          = "auth_error"
	EventTokenAboutToExpire = "token_about_to_expire"
	EventTokenExpired       = "token_expired"

	DefaultWarnWindow = 5 * time.Minute
)

var ErrNotAuthenticated = apperr.New(apperr.Unauthenticated, "channel not authenticated")

// Channel is a duplex, message-oriented connection to one client device.
type Channel interface {
	ID() string
	Send(event string, payload any) error
	Close(reason string) error
}

// Verifier validates access tokens.
type Verifier interface {
	VerifyAccess(ctx context.Context, token string) (*auth.Claims, error)
}

// OfflineFunc is called once each time a user's last channel closes.
type OfflineFunc func(ctx context.Context, userID string, role models.Role)

// Identity is what a channel learned from its access token.
type Identity struct {
	UserID    string      `json:"user_id"`
	Role      models.Role `json:"role"`
	Phone     string      `json:"phone"`
	ExpiresAt time.Time   `json:"expires_at"`
}

type conn struct {
	ch     Channel
	id     Identity
	authed bool
	warned bool
	rooms  map[string]struct{}
}

type Options struct {
	Clock      clock.Clock
	WarnWindow time.Duration
	OnOffline  OfflineFunc
	Logger     *slog.Logger
}

// Registry is safe for concurrent use. Sends happen outside the lock on a
// snapshot of the target channels.
type Registry struct {
	verifier   Verifier
	clock      clock.Clock
	warnWindow time.Duration
	logger     *slog.Logger

	mu        sync.RWMutex
	conns     map[string]*conn
	byUser    map[string]map[string]struct{}
	rooms     map[string]map[string]struct{}
	onOffline OfflineFunc
}

func New(verifier Verifier, opts Options) *Registry {
	r := &Registry{
		verifier:   verifier,
		clock:      opts.Clock,
		warnWindow: opts.WarnWindow,
		logger:     opts.Logger,
		onOffline:  opts.OnOffline,
		conns:      make(map[string]*conn),
		byUser:     make(map[string]map[string]struct{}),
		rooms:      make(map[string]map[string]struct{}),
	}
	if r.clock == nil {
		r.clock = clock.Real()
	}
	if r.warnWindow <= 0 {
		r.warnWindow = DefaultWarnWindow
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// SetOfflineHook replaces the last-channel-closed callback. It exists for
// wiring order: services that own the hook are built after the registry.
func (r *Registry) SetOfflineHook(fn OfflineFunc) {
	r.mu.Lock()
	r.onOffline = fn
	r.mu.Unlock()
}

// Open admits an unauthenticated channel.
func (r *Registry) Open(ch Channel) {
	r.mu.Lock()
	r.conns[ch.ID()] = &conn{ch: ch, rooms: make(map[string]struct{})}
	r.mu.Unlock()
	observability.LiveConnections.Inc()
}

// Authenticate binds ch to the identity in token. On any failure the
// channel is told why in generic terms and then closed.
func (r *Registry) Authenticate(ctx context.Context, ch Channel, token string) (Identity, error) {
	claims, err := r.verifier.VerifyAccess(ctx, token)
	if err != nil {
		observability.AuthFailuresTotal.WithLabelValues(auth.FailureReason(err)).Inc()
		r.reject(ctx, ch, apperr.Message(err))
		return Identity{}, err
	}
	id := Identity{UserID: claims.UserID, Role: claims.Role, Phone: claims.Phone}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}

	r.mu.Lock()
	c, ok := r.conns[ch.ID()]
	if !ok {
		c = &conn{ch: ch, rooms: make(map[string]struct{})}
		r.conns[ch.ID()] = c
		observability.LiveConnections.Inc()
	}
	if c.authed && c.id.UserID != id.UserID {
		r.mu.Unlock()
		err := apperr.New(apperr.Unauthenticated, "channel already bound to another user")
		r.reject(ctx, ch, err.Msg)
		return Identity{}, err
	}
	c.id = id
	c.authed = true
	c.warned = false
	set, ok := r.byUser[id.UserID]
	if !ok {
		set = make(map[string]struct{})
		r.byUser[id.UserID] = set
		observability.UsersOnline.Inc()
	}
	set[ch.ID()] = struct{}{}
	r.mu.Unlock()

	if err := ch.Send(EventAuthenticated, id); err != nil {
		r.logger.Warn("send authenticated", "channel_id", ch.ID(), "error", err)
	}
	return id, nil
}

func (r *Registry) reject(ctx context.Context, ch Channel, msg string) {
	if err := ch.Send(EventAuthError, map[string]string{"message": msg}); err != nil {
		r.logger.Debug("send auth_error", "channel_id", ch.ID(), "error", err)
	}
	if err := ch.Close("authentication failed"); err != nil {
		r.logger.Debug("close channel", "channel_id", ch.ID(), "error", err)
	}
	r.Close(ctx, ch.ID())
}

// Close forgets a channel. If it was its user's last channel the offline
// hook runs, exactly once per transition to empty. Closing an unknown
// channel is a no-op.
func (r *Registry) Close(ctx context.Context, channelID string) {
	r.mu.Lock()
	c, ok := r.conns[channelID]
	if !ok {
		r.mu.Unlock()
		return
	}
	wentOffline := r.removeLocked(channelID, c)
	hook := r.onOffline
	r.mu.Unlock()
	r.closed(ctx, c.id, wentOffline, hook)
}

// removeLocked unlinks c from every index and reports whether its user has
// no channels left. Once unlinked, c is owned by the caller.
func (r *Registry) removeLocked(channelID string, c *conn) bool {
	delete(r.conns, channelID)
	for room := range c.rooms {
		r.leaveLocked(channelID, room)
	}
	if !c.authed {
		return false
	}
	set, ok := r.byUser[c.id.UserID]
	if !ok {
		return false
	}
	delete(set, channelID)
	if len(set) > 0 {
		return false
	}
	delete(r.byUser, c.id.UserID)
	return true
}

func (r *Registry) closed(ctx context.Context, id Identity, wentOffline bool, hook OfflineFunc) {
	observability.LiveConnections.Dec()
	if wentOffline {
		observability.UsersOnline.Dec()
		if hook != nil {
			hook(ctx, id.UserID, id.Role)
		}
	}
}

// Disconnect closes the channel itself and then forgets it.
func (r *Registry) Disconnect(ctx context.Context, channelID, reason string) {
	r.mu.RLock()
	c, ok := r.conns[channelID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if err := c.ch.Close(reason); err != nil {
		r.logger.Debug("close channel", "channel_id", channelID, "error", err)
	}
	r.Close(ctx, channelID)
}

// Identity returns the identity bound to channelID.
func (r *Registry) Identity(channelID string) (Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[channelID]
	if !ok || !c.authed {
		return Identity{}, ErrNotAuthenticated
	}
	return c.id, nil
}

// FanOut delivers to every channel of userID and returns how many sends
// succeeded. An offline user is not an error.
func (r *Registry) FanOut(userID, event string, payload any) int {
	r.mu.RLock()
	targets := make([]Channel, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		targets = append(targets, r.conns[id].ch)
	}
	r.mu.RUnlock()
	return r.deliver(targets, event, payload)
}

func (r *Registry) deliver(targets []Channel, event string, payload any) int {
	n := 0
	for _, ch := range targets {
		if err := ch.Send(event, payload); err != nil {
			observability.BroadcastDropsTotal.Inc()
			r.logger.Warn("deliver event", "event", event, "channel_id", ch.ID(), "error", err)
			continue
		}
		n++
	}
	return n
}

// Join subscribes an authenticated channel to room.
func (r *Registry) Join(channelID, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[channelID]
	if !ok || !c.authed {
		return ErrNotAuthenticated
	}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	members[channelID] = struct{}{}
	c.rooms[room] = struct{}{}
	return nil
}

func (r *Registry) Leave(channelID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[channelID]; ok {
		delete(c.rooms, room)
	}
	r.leaveLocked(channelID, room)
}

func (r *Registry) leaveLocked(channelID, room string) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, channelID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// Broadcast delivers to every channel in room except the ones listed.
func (r *Registry) Broadcast(room, event string, payload any, except ...string) int {
	r.mu.RLock()
	targets := make([]Channel, 0, len(r.rooms[room]))
	for id := range r.rooms[room] {
		if contains(except, id) {
			continue
		}
		targets = append(targets, r.conns[id].ch)
	}
	r.mu.RUnlock()
	return r.deliver(targets, event, payload)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// OnlineUsers lists the distinct users with an authenticated channel whose
// token carries role, sorted by id.
func (r *Registry) OnlineUsers(role models.Role) []string {
	r.mu.RLock()
	seen := make(map[string]struct{})
	for _, c := range r.conns {
		if c.authed && c.id.Role == role {
			seen[c.id.UserID] = struct{}{}
		}
	}
	r.mu.RUnlock()
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of open channels.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

type expiring struct {
	ch Channel
	id Identity
}

// CheckExpiry warns channels whose token expires within the warn window and
// force-closes channels whose token has expired. Revocation is not
// rechecked here: the channel keeps only the expiry, not the token.
func (r *Registry) CheckExpiry(ctx context.Context) {
	now := r.clock.Now()
	var warn, expire []expiring
	r.mu.Lock()
	for _, c := range r.conns {
		if !c.authed || c.id.ExpiresAt.IsZero() {
			continue
		}
		switch {
		case !now.Before(c.id.ExpiresAt):
			expire = append(expire, expiring{ch: c.ch, id: c.id})
		case !c.warned && c.id.ExpiresAt.Sub(now) <= r.warnWindow:
			c.warned = true
			warn = append(warn, expiring{ch: c.ch, id: c.id})
		}
	}
	r.mu.Unlock()

	for _, e := range warn {
		payload := map[string]any{
			"expires_at":   e.id.ExpiresAt,
			"seconds_left": int(e.id.ExpiresAt.Sub(now).Seconds()),
		}
		if err := e.ch.Send(EventTokenAboutToExpire, payload); err != nil {
			r.logger.Warn("send expiry warning", "channel_id", e.ch.ID(), "error", err)
		}
	}
	for _, e := range expire {
		r.expire(ctx, e)
	}
}

// expire force-closes e's channel unless it re-authenticated with a
// different token since the sweep looked at it.
func (r *Registry) expire(ctx context.Context, e expiring) {
	r.mu.Lock()
	c, ok := r.conns[e.ch.ID()]
	if !ok || !c.authed || !c.id.ExpiresAt.Equal(e.id.ExpiresAt) {
		r.mu.Unlock()
		return
	}
	wentOffline := r.removeLocked(e.ch.ID(), c)
	hook := r.onOffline
	r.mu.Unlock()

	if err := e.ch.Send(EventTokenExpired, map[string]string{"message": "token expired"}); err != nil {
		r.logger.Debug("send token_expired", "channel_id", e.ch.ID(), "error", err)
	}
	r.logger.Info("closing channel with expired token", "channel_id", e.ch.ID(), "user_id", e.id.UserID)
	if err := e.ch.Close("token expired"); err != nil {
		r.logger.Debug("close channel", "channel_id", e.ch.ID(), "error", err)
	}
	r.closed(ctx, e.id, wentOffline, hook)
}

// RunExpiryCheck calls CheckExpiry every interval until ctx is done.
func (r *Registry) RunExpiryCheck(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CheckExpiry(ctx)
		}
	}
}

// CloseAll disconnects every channel; used on shutdown.
func (r *Registry) CloseAll(ctx context.Context, reason string) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Disconnect(ctx, id, reason)
	}
}
