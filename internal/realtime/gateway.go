// Package realtime serves the persistent duplex channel: it upgrades HTTP
// to websocket, admits the channel into the registry, and routes named
// inbound events to the services.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/example/ride-coordination/internal/apperr"
	"github.com/example/ride-coordination/internal/calls"
	"github.com/example/ride-coordination/internal/chat"
	"github.com/example/ride-coordination/internal/clock"
	"github.com/example/ride-coordination/internal/dispatch"
	"github.com/example/ride-coordination/internal/geo"
	"github.com/example/ride-coordination/internal/ingest"
	"github.com/example/ride-coordination/internal/models"
	"github.com/example/ride-coordination/internal/observability"
	"github.com/example/ride-coordination/internal/policy"
	"github.com/example/ride-coordination/internal/registry"
	"github.com/example/ride-coordination/internal/trips"
	"github.com/example/ride-coordination/internal/users"
)

// Inbound events.
const (
	EventAuthenticate   = "authenticate"
	EventJoinTrip       = "join_trip"
	EventLeaveTrip      = "leave_trip"
	EventDriverOnline   = "driver_online"
	EventLocationUpdate = "location_update"
	EventSendMessage    = "send_message"
	EventTyping         = "typing_indicator"
	EventMessageRead    = "message_read"
	EventCallInitiate   = "call_initiate"
	EventCallOffer      = "call_offer"
	EventCallAnswer     = "call_answer"
	EventICECandidate   = "ice_candidate"
	EventCallEnd        = "call_end"
)

// Acknowledgements and errors sent back to the originating channel.
const (
	EventError         = "error"
	EventTripJoined    = "trip_joined"
	EventTripLeft      = "trip_left"
	EventAvailability  = "availability_updated"
	EventCallInitiated = "call_initiated"
)

const (
	DefaultAuthTimeout = 10 * time.Second
	eventTimeout       = 10 * time.Second
	maxFrameBytes      = 64 << 10
)

type Options struct {
	Clock        clock.Clock
	Logger       *slog.Logger
	AuthTimeout  time.Duration
	WriteTimeout time.Duration
	Locations    geo.Locations
	Events       ingest.Publisher
}

type Gateway struct {
	reg   *registry.Registry
	trips *trips.Service
	calls *calls.Service
	chat  *chat.Service
	users *users.Service
	locs  geo.Locations
	pub   ingest.Publisher

	clock        clock.Clock
	logger       *slog.Logger
	authTimeout  time.Duration
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
}

func NewGateway(reg *registry.Registry, tripSvc *trips.Service, callSvc *calls.Service, chatSvc *chat.Service, userSvc *users.Service, opts Options) *Gateway {
	g := &Gateway{
		reg:          reg,
		trips:        tripSvc,
		calls:        callSvc,
		chat:         chatSvc,
		users:        userSvc,
		locs:         opts.Locations,
		pub:          opts.Events,
		clock:        opts.Clock,
		logger:       opts.Logger,
		authTimeout:  opts.AuthTimeout,
		writeTimeout: opts.WriteTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Mobile clients send no Origin; browsers are authenticated by token.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if g.clock == nil {
		g.clock = clock.Real()
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.authTimeout <= 0 {
		g.authTimeout = DefaultAuthTimeout
	}
	if g.locs == nil {
		g.locs = geo.NewIndex()
	}
	if g.pub == nil {
		g.pub = ingest.Nop{}
	}
	return g
}

// ServeHTTP upgrades the request and runs the channel's read loop until the
// client goes away. A token may be passed as ?token= to authenticate at
// connect time; otherwise the first event must be authenticate.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	ch := dispatch.NewWSChannel(conn, g.writeTimeout)
	ch.SetReadLimit(maxFrameBytes)
	g.reg.Open(ch)
	logger := g.logger.With("channel_id", ch.ID())
	logger.Debug("channel opened", "remote_addr", r.RemoteAddr)

	defer func() {
		g.reg.Close(context.Background(), ch.ID())
		_ = ch.Close("bye")
		logger.Debug("channel closed")
	}()

	if token := r.URL.Query().Get("token"); token != "" {
		if err := g.authenticate(ch, token); err != nil {
			return
		}
	} else {
		timer := time.AfterFunc(g.authTimeout, func() {
			if _, err := g.reg.Identity(ch.ID()); err != nil {
				logger.Info("closing channel that never authenticated")
				g.reg.Disconnect(context.Background(), ch.ID(), "authentication timeout")
			}
		})
		defer timer.Stop()
	}

	for {
		env, err := ch.Read()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("read failed", "error", err)
			}
			return
		}
		if env.Event == EventAuthenticate {
			var p struct {
				Token string `json:"token"`
			}
			if err := decode(env, &p); err != nil {
				g.fail(ch, env.Event, err)
				continue
			}
			if err := g.authenticate(ch, p.Token); err != nil {
				return
			}
			continue
		}
		g.handle(ch, env)
	}
}

func (g *Gateway) authenticate(ch *dispatch.WSChannel, token string) error {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	_, err := g.reg.Authenticate(ctx, ch, token)
	if err != nil {
		observability.WSEventsTotal.WithLabelValues(EventAuthenticate, "error").Inc()
		return err
	}
	observability.WSEventsTotal.WithLabelValues(EventAuthenticate, "ok").Inc()
	return nil
}

func decode(env dispatch.Envelope, v any) error {
	if len(env.Data) == 0 {
		return apperr.New(apperr.Invalid, "missing event data")
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return apperr.Wrap(apperr.Invalid, "malformed event data", err)
	}
	return nil
}

type errorPayload struct {
	Event   string `json:"event"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (g *Gateway) fail(ch registry.Channel, event string, err error) {
	kind := apperr.KindOf(err)
	observability.WSEventsTotal.WithLabelValues(event, kind.String()).Inc()
	if kind == apperr.Transient {
		g.logger.Error("event failed", "event", event, "channel_id", ch.ID(), "error", err)
	}
	if sendErr := ch.Send(EventError, errorPayload{Event: event, Code: kind.String(), Message: apperr.Message(err)}); sendErr != nil {
		g.logger.Debug("send error event", "channel_id", ch.ID(), "error", sendErr)
	}
}

// handle routes one event from an authenticated channel. Failures are
// reported on the channel and never close it.
func (g *Gateway) handle(ch registry.Channel, env dispatch.Envelope) {
	id, err := g.reg.Identity(ch.ID())
	if err != nil {
		g.fail(ch, env.Event, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	a := policy.Actor{UserID: id.UserID, Role: id.Role, Phone: id.Phone}

	if err := g.route(ctx, ch, a, env); err != nil {
		g.fail(ch, env.Event, err)
		return
	}
	observability.WSEventsTotal.WithLabelValues(env.Event, "ok").Inc()
}

type tripRef struct {
	TripID string `json:"trip_id"`
}

type callRef struct {
	CallID string `json:"call_id"`
}

func (g *Gateway) route(ctx context.Context, ch registry.Channel, a policy.Actor, env dispatch.Envelope) error {
	switch env.Event {
	case EventJoinTrip:
		var p tripRef
		if err := decode(env, &p); err != nil {
			return err
		}
		t, err := g.trips.Get(ctx, a, p.TripID)
		if err != nil {
			return err
		}
		if err := g.reg.Join(ch.ID(), t.Room()); err != nil {
			return err
		}
		return ch.Send(EventTripJoined, t)

	case EventLeaveTrip:
		var p tripRef
		if err := decode(env, &p); err != nil {
			return err
		}
		g.reg.Leave(ch.ID(), models.TripRoom(p.TripID))
		return ch.Send(EventTripLeft, p)

	case EventDriverOnline:
		p := struct {
			Available *bool `json:"available"`
		}{}
		if len(env.Data) > 0 {
			if err := decode(env, &p); err != nil {
				return err
			}
		}
		available := p.Available == nil || *p.Available
		if err := g.users.SetAvailable(ctx, a, available); err != nil {
			return err
		}
		return ch.Send(EventAvailability, map[string]bool{"available": available})

	case EventLocationUpdate:
		return g.location(ctx, ch, a, env)

	case EventSendMessage:
		var p struct {
			TripID  string `json:"trip_id"`
			Content string `json:"content"`
		}
		if err := decode(env, &p); err != nil {
			return err
		}
		_, err := g.chat.Send(ctx, a, p.TripID, p.Content)
		return err

	case EventTyping:
		var p struct {
			TripID string `json:"trip_id"`
			Typing bool   `json:"typing"`
		}
		if err := decode(env, &p); err != nil {
			return err
		}
		return g.chat.Typing(ctx, a, p.TripID, p.Typing, ch.ID())

	case EventMessageRead:
		var p struct {
			MessageID string `json:"message_id"`
		}
		if err := decode(env, &p); err != nil {
			return err
		}
		_, err := g.chat.MarkRead(ctx, a, p.MessageID)
		return err

	case EventCallInitiate:
		var p tripRef
		if err := decode(env, &p); err != nil {
			return err
		}
		c, err := g.calls.Initiate(ctx, a, p.TripID)
		if err != nil {
			return err
		}
		return ch.Send(EventCallInitiated, c)

	case EventCallOffer, EventCallAnswer:
		var p struct {
			callRef
			SDP webrtc.SessionDescription `json:"sdp"`
		}
		if err := decode(env, &p); err != nil {
			return err
		}
		if env.Event == EventCallOffer {
			return g.calls.RelayOffer(ctx, a, p.CallID, p.SDP)
		}
		_, err := g.calls.RelayAnswer(ctx, a, p.CallID, p.SDP)
		return err

	case EventICECandidate:
		var p struct {
			callRef
			Candidate webrtc.ICECandidateInit `json:"candidate"`
		}
		if err := decode(env, &p); err != nil {
			return err
		}
		return g.calls.RelayICE(ctx, a, p.CallID, p.Candidate)

	case EventCallEnd:
		var p struct {
			callRef
			Reason string `json:"reason"`
		}
		if err := decode(env, &p); err != nil {
			return err
		}
		_, err := g.calls.End(ctx, a, p.CallID, p.Reason)
		return err
	}
	return apperr.Newf(apperr.Invalid, "unknown event %q", env.Event)
}

type locationPayload struct {
	TripID  string  `json:"trip_id"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Heading float64 `json:"heading"`
	Speed   float64 `json:"speed"`
}

// location stores a driver's position, publishes it to the event stream,
// and relays it to the trip room while the trip is active.
func (g *Gateway) location(ctx context.Context, ch registry.Channel, a policy.Actor, env dispatch.Envelope) error {
	if a.Role != models.RoleDriver {
		return apperr.New(apperr.Forbidden, "only drivers report locations")
	}
	var p locationPayload
	if err := decode(env, &p); err != nil {
		return err
	}
	loc := models.DriverLocation{
		DriverID: a.UserID,
		TripID:   p.TripID,
		Loc:      models.Coord{Lat: p.Lat, Lon: p.Lon},
		Heading:  p.Heading,
		Speed:    p.Speed,
		Updated:  g.clock.Now(),
	}
	if !geo.Valid(loc.Loc) {
		return apperr.New(apperr.Invalid, "invalid coordinates")
	}

	var relayTo string
	if p.TripID != "" {
		t, err := g.trips.Get(ctx, a, p.TripID)
		if err != nil {
			return err
		}
		if t.Driver() != a.UserID {
			return apperr.New(apperr.Forbidden, "not the driver of this trip")
		}
		if t.Status.Active() {
			relayTo = t.Room()
		}
	}

	if err := g.locs.Upsert(ctx, loc); err != nil {
		return apperr.Wrap(apperr.Transient, "location store unavailable", err)
	}
	if err := g.pub.PublishLocation(ctx, loc); err != nil {
		g.logger.Warn("publish location", "driver_id", a.UserID, "error", err)
	}
	if relayTo != "" {
		g.reg.Broadcast(relayTo, EventLocationUpdate, loc, ch.ID())
	}
	return nil
}
