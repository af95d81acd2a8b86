package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-coordination/internal/models"
)

// MemoryStore is a process-local Store used for tests and single-node runs.
// Every method takes the one lock, which makes the conditional updates
// trivially atomic.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]*models.User
	phones   map[string]string
	contacts map[string][]models.TrustedContact
	trips    map[string]*models.Trip
	offers   map[string]*models.Offer
	calls    map[string]*models.Call
	messages map[string]*models.Message
	ratings  map[string]*models.Rating
	refresh  map[string]models.RefreshToken
	revoked  map[string]time.Time
	otps     map[string]models.OTP
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]*models.User),
		phones:   make(map[string]string),
		contacts: make(map[string][]models.TrustedContact),
		trips:    make(map[string]*models.Trip),
		offers:   make(map[string]*models.Offer),
		calls:    make(map[string]*models.Call),
		messages: make(map[string]*models.Message),
		ratings:  make(map[string]*models.Rating),
		refresh:  make(map[string]models.RefreshToken),
		revoked:  make(map[string]time.Time),
		otps:     make(map[string]models.OTP),
	}
}

func (m *MemoryStore) Close() error { return nil }

// Users

func (m *MemoryStore) CreateUser(_ context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.phones[u.Phone]; ok {
		return ErrDuplicate
	}
	cp := *u
	m.users[u.ID] = &cp
	m.phones[u.Phone] = u.ID
	return nil
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return models.User{}, ErrNotFound
	}
	return *u, nil
}

func (m *MemoryStore) GetUserByPhone(_ context.Context, phone string) (models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.phones[phone]
	if !ok {
		return models.User{}, ErrNotFound
	}
	return *m.users[id], nil
}

func (m *MemoryStore) updateUser(id string, fn func(u *models.User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	fn(u)
	return nil
}

func (m *MemoryStore) SetVehicleType(_ context.Context, id string, vt models.VehicleType) error {
	return m.updateUser(id, func(u *models.User) { u.VehicleType = vt })
}

func (m *MemoryStore) SetVerified(_ context.Context, id string, verified bool) error {
	return m.updateUser(id, func(u *models.User) { u.Verified = verified })
}

func (m *MemoryStore) SetAvailability(_ context.Context, id string, available bool) error {
	return m.updateUser(id, func(u *models.User) { u.Available = available })
}

func (m *MemoryStore) IncrementTripCount(_ context.Context, id string) error {
	return m.updateUser(id, func(u *models.User) { u.TotalTrips++ })
}

func (m *MemoryStore) SetRating(_ context.Context, id string, avg float64, count int) error {
	return m.updateUser(id, func(u *models.User) { u.Rating, u.RatingCount = avg, count })
}

func (m *MemoryStore) AddTrustedContact(_ context.Context, c models.TrustedContact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.contacts[c.UserID] {
		if existing.Phone == c.Phone {
			return ErrDuplicate
		}
	}
	m.contacts[c.UserID] = append(m.contacts[c.UserID], c)
	return nil
}

func (m *MemoryStore) RemoveTrustedContact(_ context.Context, userID, phone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.contacts[userID]
	for i, c := range list {
		if c.Phone == phone {
			m.contacts[userID] = append(list[:i:i], list[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) ListTrustedContacts(_ context.Context, userID string) ([]models.TrustedContact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.TrustedContact(nil), m.contacts[userID]...), nil
}

// Trips

func copyTrip(t *models.Trip) models.Trip {
	cp := *t
	cp.SharedWith = append([]string(nil), t.SharedWith...)
	return cp
}

func (m *MemoryStore) CreateTrip(_ context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := copyTrip(t)
	m.trips[t.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTrip(_ context.Context, id string) (models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return models.Trip{}, ErrNotFound
	}
	return copyTrip(t), nil
}

func (m *MemoryStore) ListTripsForUser(_ context.Context, userID string, limit int) ([]models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Trip
	for _, t := range m.trips {
		if t.IsParticipant(userID) {
			out = append(out, copyTrip(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) AssignTrip(_ context.Context, tripID, offerID string, at time.Time) (models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return models.Trip{}, ErrNotFound
	}
	o, ok := m.offers[offerID]
	if !ok || o.TripID != tripID {
		return models.Trip{}, ErrNotFound
	}
	if t.Status != models.TripRequested || o.Status != models.OfferPending {
		return models.Trip{}, ErrConflict
	}
	driver, price, ts := o.DriverID, o.Price, at
	t.DriverID = &driver
	t.AcceptedPrice = &price
	t.AcceptedAt = &ts
	t.Status = models.TripAccepted
	o.Status = models.OfferAccepted
	return copyTrip(t), nil
}

func (m *MemoryStore) UpdateTripStatus(_ context.Context, id string, from, to models.TripStatus, actorID string, at time.Time) (models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return models.Trip{}, ErrNotFound
	}
	if t.Status != from || !from.CanTransition(to) {
		return models.Trip{}, ErrConflict
	}
	ts := at
	switch to {
	case models.TripInProgress:
		t.StartedAt = &ts
	case models.TripCompleted:
		t.CompletedAt = &ts
	case models.TripCancelled:
		t.CancelledAt = &ts
		t.CancelledBy = actorID
	}
	t.Status = to
	return copyTrip(t), nil
}

func (m *MemoryStore) AddSharedContact(_ context.Context, tripID, phone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return ErrNotFound
	}
	if !t.SharedWithPhone(phone) {
		t.SharedWith = append(t.SharedWith, phone)
	}
	return nil
}

func (m *MemoryStore) RemoveSharedContact(_ context.Context, tripID, phone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return ErrNotFound
	}
	for i, p := range t.SharedWith {
		if p == phone {
			t.SharedWith = append(t.SharedWith[:i:i], t.SharedWith[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// Offers

func (m *MemoryStore) CreateOffer(_ context.Context, o *models.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.offers {
		if existing.TripID == o.TripID && existing.DriverID == o.DriverID && existing.Status == models.OfferPending {
			return ErrDuplicate
		}
	}
	cp := *o
	m.offers[o.ID] = &cp
	return nil
}

func (m *MemoryStore) GetOffer(_ context.Context, id string) (models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return models.Offer{}, ErrNotFound
	}
	return *o, nil
}

func (m *MemoryStore) ListOffers(_ context.Context, tripID string) ([]models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Offer
	for _, o := range m.offers {
		if o.TripID == tripID {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) FindPendingOffer(_ context.Context, tripID, driverID string) (models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.offers {
		if o.TripID == tripID && o.DriverID == driverID && o.Status == models.OfferPending {
			return *o, nil
		}
	}
	return models.Offer{}, ErrNotFound
}

func (m *MemoryStore) RejectOtherOffers(_ context.Context, tripID, exceptOfferID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.offers {
		if o.TripID == tripID && o.ID != exceptOfferID && o.Status == models.OfferPending {
			o.Status = models.OfferRejected
			n++
		}
	}
	return n, nil
}

// Calls

func copyCall(c *models.Call) models.Call { return *c }

func (m *MemoryStore) CreateCall(_ context.Context, c *models.Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.calls {
		if existing.TripID == c.TripID && !existing.Status.Terminal() {
			return ErrConflict
		}
	}
	cp := *c
	m.calls[c.ID] = &cp
	return nil
}

func (m *MemoryStore) GetCall(_ context.Context, id string) (models.Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.calls[id]
	if !ok {
		return models.Call{}, ErrNotFound
	}
	return copyCall(c), nil
}

func (m *MemoryStore) GetActiveCall(_ context.Context, tripID string) (models.Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.calls {
		if c.TripID == tripID && !c.Status.Terminal() {
			return copyCall(c), nil
		}
	}
	return models.Call{}, ErrNotFound
}

func (m *MemoryStore) ConnectCall(_ context.Context, id string, at time.Time) (models.Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return models.Call{}, ErrNotFound
	}
	switch c.Status {
	case models.CallConnected:
		return copyCall(c), nil
	case models.CallRinging:
		c.Status = models.CallConnected
		if c.ConnectedAt == nil {
			ts := at
			c.ConnectedAt = &ts
		}
		return copyCall(c), nil
	}
	return models.Call{}, ErrConflict
}

func (m *MemoryStore) FinishCall(_ context.Context, id string, status models.CallStatus, reason string, at time.Time) (models.Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return models.Call{}, ErrNotFound
	}
	if !c.Status.CanTransition(status) {
		return models.Call{}, ErrConflict
	}
	ts := at
	c.Status = status
	c.EndedAt = &ts
	c.Duration = c.DurationUntil(at)
	c.EndReason = reason
	return copyCall(c), nil
}

func (m *MemoryStore) ListCalls(_ context.Context, tripID string) ([]models.Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Call
	for _, c := range m.calls {
		if c.TripID == tripID {
			out = append(out, copyCall(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// Messages

func (m *MemoryStore) CreateMessage(_ context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *msg
	m.messages[msg.ID] = &cp
	return nil
}

func (m *MemoryStore) GetMessage(_ context.Context, id string) (models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return models.Message{}, ErrNotFound
	}
	return *msg, nil
}

func (m *MemoryStore) ListMessages(_ context.Context, tripID string, limit int) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Message
	for _, msg := range m.messages {
		if msg.TripID == tripID {
			out = append(out, *msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *MemoryStore) MarkMessageRead(_ context.Context, id string, at time.Time) (models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return models.Message{}, ErrNotFound
	}
	if msg.ReadAt == nil {
		ts := at
		msg.ReadAt = &ts
	}
	return *msg, nil
}

// Ratings

func (m *MemoryStore) CreateRating(_ context.Context, r *models.Rating) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.ratings {
		if existing.TripID == r.TripID && existing.RaterID == r.RaterID {
			return ErrDuplicate
		}
	}
	cp := *r
	m.ratings[r.ID] = &cp
	return nil
}

func (m *MemoryStore) AverageRating(_ context.Context, rateeID string) (float64, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sum, n := 0, 0
	for _, r := range m.ratings {
		if r.RateeID == rateeID {
			sum += r.Score
			n++
		}
	}
	if n == 0 {
		return 0, 0, nil
	}
	return float64(sum) / float64(n), n, nil
}

// Tokens

func (m *MemoryStore) SaveRefreshToken(_ context.Context, rt models.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.refresh[rt.Token]; ok {
		return ErrDuplicate
	}
	m.refresh[rt.Token] = rt
	return nil
}

func (m *MemoryStore) GetRefreshToken(_ context.Context, token string) (models.RefreshToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt, ok := m.refresh[token]
	if !ok {
		return models.RefreshToken{}, ErrNotFound
	}
	return rt, nil
}

func (m *MemoryStore) DeleteRefreshToken(_ context.Context, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.refresh[token]; !ok {
		return false, nil
	}
	delete(m.refresh, token)
	return true, nil
}

func (m *MemoryStore) DeleteRefreshTokensForUser(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for tok, rt := range m.refresh {
		if rt.UserID == userID {
			delete(m.refresh, tok)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) RevokeTokenHash(_ context.Context, hash string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[hash] = expiresAt
	return nil
}

func (m *MemoryStore) IsTokenHashRevoked(_ context.Context, hash string, now time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exp, ok := m.revoked[hash]
	return ok && now.Before(exp), nil
}

func (m *MemoryStore) PurgeExpiredTokens(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for tok, rt := range m.refresh {
		if !now.Before(rt.ExpiresAt) {
			delete(m.refresh, tok)
			n++
		}
	}
	for hash, exp := range m.revoked {
		if !now.Before(exp) {
			delete(m.revoked, hash)
			n++
		}
	}
	return n, nil
}

// OTP

func (m *MemoryStore) SaveOTP(_ context.Context, o models.OTP) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.otps[o.Phone] = o
	return nil
}

func (m *MemoryStore) GetOTP(_ context.Context, phone string) (models.OTP, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.otps[phone]
	if !ok {
		return models.OTP{}, ErrNotFound
	}
	return o, nil
}

func (m *MemoryStore) IncrementOTPAttempts(_ context.Context, phone string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.otps[phone]
	if !ok {
		return 0, ErrNotFound
	}
	o.Attempts++
	m.otps[phone] = o
	return o.Attempts, nil
}

func (m *MemoryStore) DeleteOTP(_ context.Context, phone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.otps, phone)
	return nil
}

var _ Store = (*MemoryStore)(nil)
