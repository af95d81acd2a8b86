// Package chat stores and relays trip messages, typing indicators and read
// receipts between the participants of an active trip.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/example/ride-coordination/internal/apperr"
	"github.com/example/ride-coordination/internal/clock"
	"github.com/example/ride-coordination/internal/models"
	"github.com/example/ride-coordination/internal/observability"
	"github.com/example/ride-coordination/internal/policy"
	"github.com/example/ride-coordination/internal/storage"
)

const (
	EventReceiveMessage = "receive_message"
	EventTyping         = "typing_indicator"
	EventMessageRead    = "message_read"

	MaxMessageLen    = 2000
	DefaultListLimit = 100
	MaxListLimit     = 500
)

var (
	ErrTripNotFound    = apperr.New(apperr.NotFound, "trip not found")
	ErrMessageNotFound = apperr.New(apperr.NotFound, "message not found")
)

type Store interface {
	storage.TripStore
	storage.MessageStore
}

type Notifier interface {
	Broadcast(room, event string, payload any, except ...string) int
}

type Service struct {
	store  Store
	notify Notifier
	filter *Filter
	clock  clock.Clock
	logger *slog.Logger
}

func NewService(store Store, notify Notifier, filter *Filter, clk clock.Clock, logger *slog.Logger) *Service {
	if filter == nil {
		filter = DefaultFilter()
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, notify: notify, filter: filter, clock: clk, logger: logger}
}

func (s *Service) trip(ctx context.Context, id string) (models.Trip, error) {
	t, err := s.store.GetTrip(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Trip{}, ErrTripNotFound
	}
	if err != nil {
		return models.Trip{}, apperr.Wrap(apperr.Transient, "storage unavailable", err)
	}
	return t, nil
}

// Send filters, stores and relays a message to the trip room.
func (s *Service) Send(ctx context.Context, a policy.Actor, tripID, content string) (models.Message, error) {
	t, err := s.trip(ctx, tripID)
	if err != nil {
		return models.Message{}, err
	}
	if err := policy.Communicate(a, t).Error(); err != nil {
		return models.Message{}, err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return models.Message{}, apperr.New(apperr.Invalid, "message is empty")
	}
	if utf8.RuneCountInString(content) > MaxMessageLen {
		return models.Message{}, apperr.Newf(apperr.Invalid, "message exceeds %d characters", MaxMessageLen)
	}
	clean, flagged := s.filter.Clean(content)
	m := models.Message{
		ID:        uuid.NewString(),
		TripID:    tripID,
		SenderID:  a.UserID,
		Content:   clean,
		Flagged:   flagged,
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.CreateMessage(ctx, &m); err != nil {
		return models.Message{}, apperr.Wrap(apperr.Transient, "storage unavailable", fmt.Errorf("chat.Send: %w", err))
	}
	observability.MessagesTotal.WithLabelValues(strconv.FormatBool(flagged)).Inc()
	s.notify.Broadcast(t.Room(), EventReceiveMessage, m)
	return m, nil
}

// List returns the newest limit messages in chronological order. History
// stays readable after the trip ends.
func (s *Service) List(ctx context.Context, a policy.Actor, tripID string, limit int) ([]models.Message, error) {
	t, err := s.trip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if err := policy.AccessTrip(a, t).Error(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	out, err := s.store.ListMessages(ctx, tripID, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "storage unavailable", err)
	}
	return out, nil
}

type readReceipt struct {
	MessageID string    `json:"message_id"`
	TripID    string    `json:"trip_id"`
	ReaderID  string    `json:"reader_id"`
	ReadAt    time.Time `json:"read_at"`
}

// MarkRead stamps the read time once; only the recipient may do it.
func (s *Service) MarkRead(ctx context.Context, a policy.Actor, messageID string) (models.Message, error) {
	m, err := s.store.GetMessage(ctx, messageID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, apperr.Wrap(apperr.Transient, "storage unavailable", err)
	}
	t, err := s.trip(ctx, m.TripID)
	if err != nil {
		return models.Message{}, err
	}
	if !t.IsParticipant(a.UserID) {
		return models.Message{}, ErrMessageNotFound
	}
	if m.SenderID == a.UserID {
		return models.Message{}, apperr.New(apperr.Forbidden, "cannot mark your own message as read")
	}
	if m.ReadAt != nil {
		return m, nil
	}
	m, err = s.store.MarkMessageRead(ctx, messageID, s.clock.Now())
	if err != nil {
		return models.Message{}, apperr.Wrap(apperr.Transient, "storage unavailable", err)
	}
	s.notify.Broadcast(t.Room(), EventMessageRead, readReceipt{MessageID: m.ID, TripID: m.TripID, ReaderID: a.UserID, ReadAt: *m.ReadAt})
	return m, nil
}

// Typing relays a typing indicator to the rest of the room. fromChannel is
// excluded so the typist's own device does not echo it.
func (s *Service) Typing(ctx context.Context, a policy.Actor, tripID string, typing bool, fromChannel string) error {
	t, err := s.trip(ctx, tripID)
	if err != nil {
		return err
	}
	if err := policy.Communicate(a, t).Error(); err != nil {
		return err
	}
	payload := map[string]any{"trip_id": tripID, "user_id": a.UserID, "typing": typing}
	s.notify.Broadcast(t.Room(), EventTyping, payload, fromChannel)
	return nil
}
