package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/synthlabs/pepo/internal/auth"
	apperrors "github.com/synthlabs/pepo/internal/errors"
	"github.com/synthlabs/pepo/internal/helix"
	"github.com/synthlabs/pepo/internal/metrics"
	"github.com/synthlabs/pepo/internal/platform/correlation"
)

const (
	// DefaultConnectURL is the well-known EventSub websocket endpoint. The
	// server may override it with a reconnect URL at any time.
	DefaultConnectURL = "wss://eventsub.wss.twitch.tv/ws"

	// reconnectBackoff is the fixed delay between connection attempts. No
	// exponential growth: liveness beats backoff sophistication here.
	reconnectBackoff = 10 * time.Second

	// deliveryQueueDepth bounds the notification queue. When the consumer is
	// slow the read loop blocks on enqueue instead of dropping, because
	// ordering and completeness are load-bearing for chat correctness.
	deliveryQueueDepth = 32
)

// Event types this session subscribes to.
const (
	EventTypeChatMessage      = "channel.chat.message"
	EventTypeChatNotification = "channel.chat.notification"
	EventTypeUserUpdate       = "user.update"
)

// chatEventTypes are the two subscriptions a channel join registers, in the
// order they are issued. Both must succeed for the join to be complete.
var chatEventTypes = []string{EventTypeChatMessage, EventTypeChatNotification}

// subscriptionAPI is the subset of the Helix client the session uses.
type subscriptionAPI interface {
	CreateEventSubSubscription(ctx context.Context, accessToken string, req helix.SubscriptionRequest) (*helix.Subscription, error)
	DeleteEventSubSubscription(ctx context.Context, accessToken, subscriptionID string) error
}

// Session is the session engine: it owns the duplex connection, the current
// session identity, the reconnect target, and the per-channel subscription
// book. Join/Leave may be called concurrently with the Run loop.
type Session struct {
	api   subscriptionAPI
	clock clockwork.Clock

	// sessMu guards the session identity and connect URL. Never held while
	// bookMu or tokMu is acquired.
	sessMu     sync.Mutex
	sessionID  string
	connectURL string
	welcomed   bool

	// tokMu guards the credential snapshot the engine was last handed.
	tokMu sync.Mutex
	token auth.Token

	book *subscriptionBook

	notifications chan Notification
	errs          chan error
}

// NewSession creates a session engine using the given credential snapshot for
// subscription calls. The snapshot is replaced via SetToken when the
// credential engine refreshes.
func NewSession(api subscriptionAPI, clock clockwork.Clock, token auth.Token) *Session {
	return &Session{
		api:           api,
		clock:         clock,
		connectURL:    DefaultConnectURL,
		token:         token,
		book:          newSubscriptionBook(),
		notifications: make(chan Notification, deliveryQueueDepth),
		errs:          make(chan error, 8),
	}
}

// Notifications is the consumer-facing sequence of server pushes, delivered
// in exact wire order.
func (s *Session) Notifications() <-chan Notification {
	return s.notifications
}

// Errors carries protocol errors (revocations, failed baseline subscription)
// that do not stop the engine.
func (s *Session) Errors() <-chan error {
	return s.errs
}

// SetToken replaces the credential snapshot used for subsequent subscription
// calls. Subscriptions already open on the connection stay valid until the
// platform revokes them.
func (s *Session) SetToken(token auth.Token) {
	s.tokMu.Lock()
	s.token = token
	s.tokMu.Unlock()
}

func (s *Session) snapshot() auth.Token {
	s.tokMu.Lock()
	defer s.tokMu.Unlock()
	return s.token
}

// SessionID returns the current server-issued session identity, empty before
// the first welcome.
func (s *Session) SessionID() string {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	return s.sessionID
}

// ConnectURL returns the endpoint the next dial will use.
func (s *Session) ConnectURL() string {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	return s.connectURL
}

// HasSubscription reports whether the channel has any recorded subscription.
func (s *Session) HasSubscription(channelName string) bool {
	return s.book.has(channelName)
}

// SubscriptionCount reports how many chat subscriptions are recorded.
func (s *Session) SubscriptionCount() int {
	return s.book.count()
}

// Join subscribes the session to a channel's chat: the message stream, then
// the notification stream. Idempotent per event type, so a retry after a
// partial failure issues only the missing call. Recorded subscriptions are
// never rolled back on failure.
func (s *Session) Join(ctx context.Context, channelID, channelName string) error {
	sessionID := s.SessionID()
	if sessionID == "" {
		return apperrors.ProtocolError("no session established", nil).
			WithContext("channel", channelName)
	}

	token := s.snapshot()
	opCtx := correlation.WithNewID(ctx)

	for _, eventType := range chatEventTypes {
		if s.book.hasType(channelName, eventType) {
			continue
		}

		sub, err := s.api.CreateEventSubSubscription(opCtx, token.AccessToken, helix.SubscriptionRequest{
			Type:    eventType,
			Version: "1",
			Condition: map[string]string{
				"broadcaster_user_id": channelID,
				"user_id":             token.UserID,
			},
			Transport: helix.Transport{Method: "websocket", SessionID: sessionID},
		})
		if err != nil {
			metrics.SubscribeCallsTotal.WithLabelValues("subscribe", "failure").Inc()
			return apperrors.PartialError("join incomplete", err).
				WithContext("channel", channelName).
				WithContext("channel_id", channelID).
				WithContext("event_type", eventType)
		}
		metrics.SubscribeCallsTotal.WithLabelValues("subscribe", "success").Inc()

		s.book.add(channelName, subscriptionRecord{ID: sub.ID, Type: eventType})
		metrics.SubscriptionsActive.Set(float64(s.book.count()))
		slog.InfoContext(opCtx, "subscribed", "channel", channelName, "event_type", eventType, "subscription_id", sub.ID)
	}

	return nil
}

// Leave cancels every recorded subscription for the channel. Records are
// removed one by one as the server confirms each cancel; a failure stops the
// operation with the remaining records intact, so Leave can be retried.
func (s *Session) Leave(ctx context.Context, channelName string) error {
	records := s.book.records(channelName)
	if len(records) == 0 {
		return nil
	}

	token := s.snapshot()
	opCtx := correlation.WithNewID(ctx)

	for _, rec := range records {
		if err := s.api.DeleteEventSubSubscription(opCtx, token.AccessToken, rec.ID); err != nil {
			metrics.SubscribeCallsTotal.WithLabelValues("cancel", "failure").Inc()
			return apperrors.PartialError("leave incomplete", err).
				WithContext("channel", channelName).
				WithContext("subscription_id", rec.ID).
				WithContext("event_type", rec.Type)
		}
		metrics.SubscribeCallsTotal.WithLabelValues("cancel", "success").Inc()

		s.book.remove(channelName, rec.ID)
		metrics.SubscriptionsActive.Set(float64(s.book.count()))
		slog.InfoContext(opCtx, "unsubscribed", "channel", channelName, "subscription_id", rec.ID)
	}

	return nil
}

// Run is the connection loop. It dials, reads frames until the connection
// fails, and redials: immediately after a reset-without-close, otherwise
// after a fixed backoff. The only clean exit is ctx cancellation; the engine
// self-heals instead of surfacing transport errors to the consumer.
func (s *Session) Run(ctx context.Context) {
	for {
		err := s.runConnection(ctx)
		if ctx.Err() != nil {
			return
		}

		if isResetWithoutClose(err) {
			slog.Warn("connection reset without close, redialling", "error", err)
			metrics.ReconnectsTotal.WithLabelValues("reset").Inc()
			continue
		}

		slog.Warn("connection lost, redialling after backoff", "error", err, "backoff", reconnectBackoff)
		metrics.ReconnectsTotal.WithLabelValues("error").Inc()

		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(reconnectBackoff):
		}
	}
}

// runConnection performs one dial-and-read attempt.
func (s *Session) runConnection(ctx context.Context) error {
	connCtx := correlation.WithNewID(ctx)
	url := s.ConnectURL()

	slog.InfoContext(connCtx, "connecting", "url", url)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return apperrors.TransportError("dial failed", err).WithContext("status", resp.StatusCode)
		}
		return apperrors.TransportError("dial failed", err)
	}

	// unblocks ReadMessage on shutdown
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return apperrors.TransportError("read failed", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if err := s.handleFrame(connCtx, data); err != nil {
			return err
		}
	}
}

// handleFrame dispatches one inbound frame. A returned error aborts the
// current connection attempt.
func (s *Session) handleFrame(ctx context.Context, data []byte) error {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return apperrors.ProtocolError("malformed frame", err)
	}

	metrics.FramesTotal.WithLabelValues(f.Metadata.MessageType).Inc()

	switch f.Metadata.MessageType {
	case messageTypeWelcome, messageTypeReconnect:
		return s.handleWelcome(ctx, f)

	case messageTypeNotification:
		return s.handleNotification(ctx, f)

	case messageTypeRevocation:
		s.handleRevocation(ctx, f)
		return nil

	case messageTypeKeepalive:
		// liveness only; frame absence is handled at the transport level
		return nil

	default:
		slog.DebugContext(ctx, "ignoring unrecognized frame", "message_type", f.Metadata.MessageType)
		return nil
	}
}

// handleWelcome covers welcome and reconnect frames, including a welcome
// arriving while already streaming (server-initiated migration): both update
// the session identity and, if supplied, the connect URL. The very first
// welcome additionally issues the baseline subscription proving the session
// is live end to end.
func (s *Session) handleWelcome(ctx context.Context, f frame) error {
	var payload sessionPayload
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		return apperrors.ProtocolError("malformed session payload", err)
	}

	s.sessMu.Lock()
	s.sessionID = payload.Session.ID
	if payload.Session.ReconnectURL != "" {
		s.connectURL = payload.Session.ReconnectURL
	}
	first := !s.welcomed
	s.welcomed = true
	s.sessMu.Unlock()

	slog.InfoContext(ctx, "session established", "session_id", payload.Session.ID, "status", payload.Session.Status)

	if first {
		if err := s.subscribeBaseline(ctx); err != nil {
			slog.WarnContext(ctx, "baseline subscription failed", "error", err)
			s.pushErr(apperrors.ProtocolError("baseline subscription failed", err))
		}
	}
	return nil
}

// subscribeBaseline registers the "my account changed" subscription.
func (s *Session) subscribeBaseline(ctx context.Context) error {
	token := s.snapshot()

	sub, err := s.api.CreateEventSubSubscription(ctx, token.AccessToken, helix.SubscriptionRequest{
		Type:      EventTypeUserUpdate,
		Version:   "1",
		Condition: map[string]string{"user_id": token.UserID},
		Transport: helix.Transport{Method: "websocket", SessionID: s.SessionID()},
	})
	if err != nil {
		return err
	}

	slog.InfoContext(ctx, "baseline subscription active", "subscription_id", sub.ID)
	return nil
}

func (s *Session) handleNotification(ctx context.Context, f frame) error {
	var payload notificationPayload
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		return apperrors.ProtocolError("malformed notification payload", err)
	}

	eventType := payload.Subscription.Type
	if eventType == "" {
		eventType = f.Metadata.SubscriptionType
	}

	notification := Notification{
		Timestamp: f.Metadata.MessageTimestamp,
		Type:      eventType,
		Event:     payload.Event,
	}

	// Blocking enqueue: backpressure, never reordering or dropping.
	select {
	case s.notifications <- notification:
		metrics.NotificationsDelivered.Inc()
		return nil
	case <-ctx.Done():
		return apperrors.TransportError("delivery cancelled", ctx.Err())
	}
}

func (s *Session) handleRevocation(ctx context.Context, f frame) {
	var payload revocationPayload
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		s.pushErr(apperrors.ProtocolError("malformed revocation payload", err))
		return
	}

	channel, _ := s.book.removeByID(payload.Subscription.ID)
	metrics.SubscriptionsActive.Set(float64(s.book.count()))

	slog.WarnContext(ctx, "subscription revoked",
		"subscription_id", payload.Subscription.ID,
		"type", payload.Subscription.Type,
		"status", payload.Subscription.Status,
		"channel", channel,
	)

	s.pushErr(apperrors.ProtocolError("subscription revoked", nil).
		WithContext("subscription_id", payload.Subscription.ID).
		WithContext("event_type", payload.Subscription.Type).
		WithContext("status", payload.Subscription.Status).
		WithContext("channel", channel))
}

// pushErr surfaces a protocol error without ever blocking the read loop.
func (s *Session) pushErr(err error) {
	select {
	case s.errs <- err:
	default:
		slog.Warn("error channel full, dropping", "error", err)
	}
}

// isResetWithoutClose reports whether err is the specific "reset without
// proper close handshake" condition that warrants an immediate redial.
func isResetWithoutClose(err error) bool {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == websocket.CloseAbnormalClosure
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}
