package eventsub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synthlabs/pepo/internal/auth"
	apperrors "github.com/synthlabs/pepo/internal/errors"
	"github.com/synthlabs/pepo/internal/helix"
)

var testToken = auth.Token{AccessToken: "token-1", UserID: "1001", Login: "pepo"}

type fakeAPI struct {
	mu        sync.Mutex
	created   []helix.SubscriptionRequest
	deleted   []string
	createErr map[string]error // keyed by event type
	deleteErr map[string]error // keyed by subscription id
	nextID    int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		createErr: make(map[string]error),
		deleteErr: make(map[string]error),
	}
}

func (f *fakeAPI) CreateEventSubSubscription(_ context.Context, _ string, req helix.SubscriptionRequest) (*helix.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	if err := f.createErr[req.Type]; err != nil {
		return nil, err
	}
	f.nextID++
	return &helix.Subscription{ID: fmt.Sprintf("S%d", f.nextID), Type: req.Type, Status: "enabled"}, nil
}

func (f *fakeAPI) DeleteEventSubSubscription(_ context.Context, _ string, subscriptionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, subscriptionID)
	if err := f.deleteErr[subscriptionID]; err != nil {
		return err
	}
	return nil
}

func (f *fakeAPI) createdTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]string, len(f.created))
	for i, req := range f.created {
		types[i] = req.Type
	}
	return types
}

func (f *fakeAPI) createdReq(i int) helix.SubscriptionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[i]
}

func (f *fakeAPI) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func (f *fakeAPI) setCreateErr(eventType string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.createErr, eventType)
		return
	}
	f.createErr[eventType] = err
}

func (f *fakeAPI) setDeleteErr(subscriptionID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.deleteErr, subscriptionID)
		return
	}
	f.deleteErr[subscriptionID] = err
}

func newTestSession(api subscriptionAPI) *Session {
	return NewSession(api, clockwork.NewFakeClock(), testToken)
}

func TestJoin_FailsWithoutSession(t *testing.T) {
	api := newFakeAPI()
	session := newTestSession(api)

	err := session.Join(context.Background(), "123", "abc")

	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.TypeProtocol))
	assert.Empty(t, api.createdTypes())
	assert.False(t, session.HasSubscription("abc"))
}

func TestJoin_SubscribesMessageThenNotification(t *testing.T) {
	api := newFakeAPI()
	session := newTestSession(api)
	session.sessionID = "sess-1"

	err := session.Join(context.Background(), "123", "abc")

	require.NoError(t, err)
	assert.Equal(t, []string{EventTypeChatMessage, EventTypeChatNotification}, api.createdTypes())
	assert.True(t, session.HasSubscription("abc"))

	for _, req := range api.created {
		assert.Equal(t, "1", req.Version)
		assert.Equal(t, "123", req.Condition["broadcaster_user_id"])
		assert.Equal(t, "1001", req.Condition["user_id"])
		assert.Equal(t, "websocket", req.Transport.Method)
		assert.Equal(t, "sess-1", req.Transport.SessionID)
	}
}

func TestJoin_IsIdempotent(t *testing.T) {
	api := newFakeAPI()
	session := newTestSession(api)
	session.sessionID = "sess-1"

	require.NoError(t, session.Join(context.Background(), "123", "abc"))
	require.NoError(t, session.Join(context.Background(), "123", "abc"))

	assert.Len(t, api.createdTypes(), 2)
}

func TestJoin_RetryAfterPartialFailureIssuesOnlyMissingCall(t *testing.T) {
	api := newFakeAPI()
	api.setCreateErr(EventTypeChatNotification, errors.New("boom"))
	session := newTestSession(api)
	session.sessionID = "sess-1"

	err := session.Join(context.Background(), "123", "abc")
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.TypePartial))

	var structured *apperrors.Error
	require.ErrorAs(t, err, &structured)
	assert.Equal(t, "abc", structured.Context["channel"])
	assert.Equal(t, "123", structured.Context["channel_id"])
	assert.Equal(t, EventTypeChatNotification, structured.Context["event_type"])

	// the succeeded half is kept, not rolled back
	assert.True(t, session.HasSubscription("abc"))

	api.setCreateErr(EventTypeChatNotification, nil)
	require.NoError(t, session.Join(context.Background(), "123", "abc"))

	types := api.createdTypes()
	assert.Equal(t, []string{EventTypeChatMessage, EventTypeChatNotification, EventTypeChatNotification}, types)
}

func TestLeave_CancelsEveryRecordedSubscription(t *testing.T) {
	api := newFakeAPI()
	session := newTestSession(api)
	session.sessionID = "sess-1"
	require.NoError(t, session.Join(context.Background(), "123", "abc"))

	require.NoError(t, session.Leave(context.Background(), "abc"))

	assert.Equal(t, []string{"S1", "S2"}, api.deletedIDs())
	assert.False(t, session.HasSubscription("abc"))
}

func TestLeave_IsIdempotent(t *testing.T) {
	api := newFakeAPI()
	session := newTestSession(api)

	require.NoError(t, session.Leave(context.Background(), "abc"))
	assert.Empty(t, api.deletedIDs())
}

func TestLeave_FailureKeepsRemainingRecords(t *testing.T) {
	api := newFakeAPI()
	session := newTestSession(api)
	session.sessionID = "sess-1"
	require.NoError(t, session.Join(context.Background(), "123", "abc"))

	api.setDeleteErr("S1", errors.New("boom"))
	err := session.Leave(context.Background(), "abc")
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.TypePartial))
	assert.True(t, session.HasSubscription("abc"))

	api.setDeleteErr("S1", nil)
	require.NoError(t, session.Leave(context.Background(), "abc"))
	assert.Equal(t, []string{"S1", "S1", "S2"}, api.deletedIDs())
	assert.False(t, session.HasSubscription("abc"))
}

// --- connection loop tests ---

// startEventSubServer runs a websocket endpoint whose handler is invoked once
// per accepted connection with a 1-based attempt number.
func startEventSubServer(t *testing.T, handler func(conn *websocket.Conn, attempt int)) (string, *atomic.Int32) {
	t.Helper()
	var upgrader websocket.Upgrader
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn, int(attempts.Add(1)))
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http"), &attempts
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Logf("write failed: %v", err)
	}
}

// holdOpen blocks until the peer goes away.
func holdOpen(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func welcomeFrame(messageType, sessionID, reconnectURL string) string {
	return fmt.Sprintf(`{
		"metadata": {"message_id":"m-%s","message_type":"%s","message_timestamp":"2026-08-30T12:00:00Z"},
		"payload": {"session":{"id":"%s","status":"connected","keepalive_timeout_seconds":10,"reconnect_url":"%s"}}
	}`, sessionID, messageType, sessionID, reconnectURL)
}

func chatMessageFrame(text string) string {
	return fmt.Sprintf(`{
		"metadata": {"message_id":"m-%s","message_type":"notification","message_timestamp":"2026-08-30T12:00:01Z","subscription_type":"channel.chat.message"},
		"payload": {
			"subscription": {"id":"S1","type":"channel.chat.message"},
			"event": {"broadcaster_user_id":"123","chatter_user_login":"viewer","message":{"text":"%s"}}
		}
	}`, text, text)
}

func revocationFrame(subscriptionID string) string {
	return fmt.Sprintf(`{
		"metadata": {"message_id":"m-revoke","message_type":"revocation","message_timestamp":"2026-08-30T12:00:02Z"},
		"payload": {"subscription":{"id":"%s","type":"channel.chat.message","status":"authorization_revoked"}}
	}`, subscriptionID)
}

func runSession(t *testing.T, session *Session, url string) context.CancelFunc {
	t.Helper()
	session.connectURL = url
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		session.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("session did not stop after cancel")
		}
	})
	return cancel
}

func recvNotification(t *testing.T, ch <-chan Notification) Notification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return Notification{}
	}
}

func TestRun_WelcomeEstablishesSessionAndBaseline(t *testing.T) {
	url, _ := startEventSubServer(t, func(conn *websocket.Conn, _ int) {
		sendFrame(t, conn, welcomeFrame(messageTypeWelcome, "sess-1", ""))
		holdOpen(conn)
	})

	api := newFakeAPI()
	session := newTestSession(api)
	runSession(t, session, url)

	require.Eventually(t, func() bool { return session.SessionID() == "sess-1" }, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return len(api.createdTypes()) == 1 }, 2*time.Second, 10*time.Millisecond)
	baseline := api.createdReq(0)
	assert.Equal(t, EventTypeUserUpdate, baseline.Type)
	assert.Equal(t, "1001", baseline.Condition["user_id"])
	assert.Equal(t, "sess-1", baseline.Transport.SessionID)
}

func TestRun_ReconnectFrameUpdatesSessionAndTarget(t *testing.T) {
	url, _ := startEventSubServer(t, func(conn *websocket.Conn, _ int) {
		sendFrame(t, conn, welcomeFrame(messageTypeWelcome, "sess-1", ""))
		sendFrame(t, conn, welcomeFrame(messageTypeReconnect, "sess-2", "wss://example.test/resume"))
		holdOpen(conn)
	})

	api := newFakeAPI()
	session := newTestSession(api)
	runSession(t, session, url)

	require.Eventually(t, func() bool { return session.SessionID() == "sess-2" }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "wss://example.test/resume", session.ConnectURL())

	// only the very first welcome carries the baseline subscription
	assert.Len(t, api.createdTypes(), 1)
}

func TestRun_DeliversNotificationsInWireOrder(t *testing.T) {
	url, _ := startEventSubServer(t, func(conn *websocket.Conn, _ int) {
		sendFrame(t, conn, welcomeFrame(messageTypeWelcome, "sess-1", ""))
		sendFrame(t, conn, chatMessageFrame("first"))
		sendFrame(t, conn, chatMessageFrame("second"))
		sendFrame(t, conn, chatMessageFrame("third"))
		holdOpen(conn)
	})

	api := newFakeAPI()
	session := newTestSession(api)
	runSession(t, session, url)

	for _, want := range []string{"first", "second", "third"} {
		n := recvNotification(t, session.Notifications())
		event, err := n.ChatMessage()
		require.NoError(t, err)
		assert.Equal(t, want, event.Message.Text)
	}
}

func TestRun_SlowConsumerGetsEveryNotificationInOrder(t *testing.T) {
	// more frames than the delivery queue holds, so the read loop must block
	// on enqueue instead of dropping
	const total = deliveryQueueDepth + 8

	sent := make(chan struct{})
	url, _ := startEventSubServer(t, func(conn *websocket.Conn, _ int) {
		sendFrame(t, conn, welcomeFrame(messageTypeWelcome, "sess-1", ""))
		for i := 0; i < total; i++ {
			sendFrame(t, conn, chatMessageFrame(fmt.Sprintf("msg-%03d", i)))
		}
		close(sent)
		holdOpen(conn)
	})

	api := newFakeAPI()
	session := newTestSession(api)
	runSession(t, session, url)

	select {
	case <-sent:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not finish writing")
	}

	// let the queue fill before draining a single notification
	time.Sleep(200 * time.Millisecond)

	for i := 0; i < total; i++ {
		event, err := recvNotification(t, session.Notifications()).ChatMessage()
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("msg-%03d", i), event.Message.Text)
	}
}

func TestRun_OrderingHoldsUnderConcurrentJoinLeave(t *testing.T) {
	const total = 20

	url, _ := startEventSubServer(t, func(conn *websocket.Conn, _ int) {
		sendFrame(t, conn, welcomeFrame(messageTypeWelcome, "sess-1", ""))
		for i := 0; i < total; i++ {
			sendFrame(t, conn, chatMessageFrame(fmt.Sprintf("msg-%02d", i)))
		}
		holdOpen(conn)
	})

	api := newFakeAPI()
	session := newTestSession(api)
	runSession(t, session, url)

	require.Eventually(t, func() bool { return session.SessionID() == "sess-1" }, 2*time.Second, 10*time.Millisecond)

	// churn the subscription book while notifications stream in
	stop := make(chan struct{})
	var churn sync.WaitGroup
	churn.Add(1)
	go func() {
		defer churn.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			_ = session.Join(context.Background(), "123", "abc")
			_ = session.Leave(context.Background(), "abc")
		}
	}()

	for i := 0; i < total; i++ {
		event, err := recvNotification(t, session.Notifications()).ChatMessage()
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("msg-%02d", i), event.Message.Text)
	}

	close(stop)
	churn.Wait()
}

func TestRun_ResetWithoutCloseRedialsImmediately(t *testing.T) {
	url, attempts := startEventSubServer(t, func(conn *websocket.Conn, attempt int) {
		switch attempt {
		case 1:
			sendFrame(t, conn, welcomeFrame(messageTypeWelcome, "sess-1", ""))
			sendFrame(t, conn, chatMessageFrame("before"))
			// sever the TCP stream without a close handshake
			conn.UnderlyingConn().Close()
		default:
			sendFrame(t, conn, welcomeFrame(messageTypeWelcome, "sess-2", ""))
			sendFrame(t, conn, chatMessageFrame("after"))
			holdOpen(conn)
		}
	})

	api := newFakeAPI()
	// fake clock: if the loop wrongly waited out a backoff here, the second
	// notification would never arrive
	session := newTestSession(api)
	runSession(t, session, url)

	first, err := recvNotification(t, session.Notifications()).ChatMessage()
	require.NoError(t, err)
	assert.Equal(t, "before", first.Message.Text)

	second, err := recvNotification(t, session.Notifications()).ChatMessage()
	require.NoError(t, err)
	assert.Equal(t, "after", second.Message.Text)

	assert.GreaterOrEqual(t, attempts.Load(), int32(2))
	assert.Equal(t, "sess-2", session.SessionID())

	select {
	case err := <-session.Errors():
		t.Fatalf("transport healing must not surface errors, got %v", err)
	default:
	}
}

func TestRun_DialFailureWaitsFixedBackoff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	api := newFakeAPI()
	session := NewSession(api, clock, testToken)
	// unroutable endpoint, every dial fails fast
	session.connectURL = "ws://127.0.0.1:1"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		session.Run(ctx)
	}()

	// first failed attempt parks the loop on the backoff timer
	clock.BlockUntil(1)
	clock.Advance(reconnectBackoff)
	// second failed attempt parks it again
	clock.BlockUntil(1)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop after cancel")
	}
}

func TestRun_MalformedFrameAbortsAttempt(t *testing.T) {
	clock := clockwork.NewFakeClock()
	url, attempts := startEventSubServer(t, func(conn *websocket.Conn, attempt int) {
		sendFrame(t, conn, welcomeFrame(messageTypeWelcome, fmt.Sprintf("sess-%d", attempt), ""))
		if attempt == 1 {
			sendFrame(t, conn, "this is not json")
		}
		holdOpen(conn)
	})

	api := newFakeAPI()
	session := NewSession(api, clock, testToken)
	session.connectURL = url

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go session.Run(ctx)

	// the poisoned connection is dropped and redialled after the fixed delay
	clock.BlockUntil(1)
	clock.Advance(reconnectBackoff)

	require.Eventually(t, func() bool { return attempts.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return session.SessionID() == "sess-2" }, 2*time.Second, 10*time.Millisecond)
}

func TestRun_UnknownFrameTagIsIgnored(t *testing.T) {
	url, _ := startEventSubServer(t, func(conn *websocket.Conn, _ int) {
		sendFrame(t, conn, welcomeFrame(messageTypeWelcome, "sess-1", ""))
		sendFrame(t, conn, `{"metadata":{"message_id":"m-x","message_type":"session_experimental"},"payload":{}}`)
		sendFrame(t, conn, chatMessageFrame("still alive"))
		holdOpen(conn)
	})

	api := newFakeAPI()
	session := newTestSession(api)
	runSession(t, session, url)

	event, err := recvNotification(t, session.Notifications()).ChatMessage()
	require.NoError(t, err)
	assert.Equal(t, "still alive", event.Message.Text)
}

func TestRun_RevocationSurfacesAndForgets(t *testing.T) {
	release := make(chan struct{})
	url, _ := startEventSubServer(t, func(conn *websocket.Conn, _ int) {
		sendFrame(t, conn, welcomeFrame(messageTypeWelcome, "sess-1", ""))
		<-release
		sendFrame(t, conn, revocationFrame("S1"))
		holdOpen(conn)
	})

	api := newFakeAPI()
	session := newTestSession(api)
	runSession(t, session, url)

	require.Eventually(t, func() bool { return session.SessionID() == "sess-1" }, 2*time.Second, 10*time.Millisecond)

	session.book.add("abc", subscriptionRecord{ID: "S1", Type: EventTypeChatMessage})
	close(release)

	select {
	case err := <-session.Errors():
		assert.True(t, apperrors.IsType(err, apperrors.TypeProtocol))
		var structured *apperrors.Error
		require.ErrorAs(t, err, &structured)
		assert.Equal(t, "S1", structured.Context["subscription_id"])
		assert.Equal(t, "abc", structured.Context["channel"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for revocation error")
	}

	assert.False(t, session.HasSubscription("abc"))
}

func TestIsResetWithoutClose(t *testing.T) {
	abnormal := &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
	assert.True(t, isResetWithoutClose(abnormal))
	assert.True(t, isResetWithoutClose(apperrors.TransportError("read failed", abnormal)))
	assert.True(t, isResetWithoutClose(fmt.Errorf("read: %w", io.ErrUnexpectedEOF)))

	assert.False(t, isResetWithoutClose(&websocket.CloseError{Code: websocket.CloseNormalClosure}))
	assert.False(t, isResetWithoutClose(errors.New("dial tcp: connection refused")))
	assert.False(t, isResetWithoutClose(nil))
}
