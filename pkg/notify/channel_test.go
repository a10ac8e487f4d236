package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"madrasa/pkg/api"
)

// notifyServer fakes the notification REST endpoints and the websocket push
// endpoint.
type notifyServer struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu             sync.Mutex
	list           []api.Notification
	unread         int
	fetchFail      bool
	mutationFail   bool
	rejectUpgrades bool

	dials   int32
	connCh  chan *websocket.Conn
	server  *httptest.Server
	httpReq int32
}

func newNotifyServer(t *testing.T) *notifyServer {
	s := &notifyServer{t: t, connCh: make(chan *websocket.Conn, 8)}
	mux := http.NewServeMux()

	mux.HandleFunc("/ws/notifications/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.dials, 1)
		s.mu.Lock()
		reject := s.rejectUpgrades
		s.mu.Unlock()
		if reject {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		if r.URL.Query().Get("token") == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]string{"type": "connection_established"})
		s.connCh <- conn
		// Drain client frames so close handshakes complete.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	})

	mux.HandleFunc("GET /notifications", func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&s.httpReq, 1)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.fetchFail {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(s.list)
	})

	mux.HandleFunc("GET /notifications/unread-count", func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&s.httpReq, 1)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.fetchFail {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]int{"unread_count": s.unread})
	})

	mutation := func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		fail := s.mutationFail
		s.mu.Unlock()
		if fail {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
	mux.HandleFunc("PATCH /notifications/{id}/read", mutation)
	mux.HandleFunc("PATCH /notifications/{id}/unread", mutation)
	mux.HandleFunc("POST /notifications/mark-all-read", mutation)
	mux.HandleFunc("DELETE /notifications/{id}", mutation)
	mux.HandleFunc("DELETE /notifications", mutation)

	s.server = httptest.NewServer(mux)
	t.Cleanup(s.server.Close)
	return s
}

func (s *notifyServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws/notifications/"
}

func (s *notifyServer) dialCount() int {
	return int(atomic.LoadInt32(&s.dials))
}

// waitConn returns the next accepted server-side connection.
func (s *notifyServer) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.connCh:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no websocket connection arrived")
		return nil
	}
}

func (s *notifyServer) push(t *testing.T, conn *websocket.Conn, msgType string, n api.Notification) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":         msgType,
		"notification": n,
	}))
}

func signedIn() (string, bool)  { return "access-token", true }
func signedOut() (string, bool) { return "", false }

func newTestChannel(t *testing.T, s *notifyServer, token TokenFunc, opts ...Option) *Channel {
	t.Helper()
	client, err := api.New(s.server.URL)
	require.NoError(t, err)
	opts = append([]Option{WithReconnectDelay(80 * time.Millisecond)}, opts...)
	c, err := New(client, s.wsURL(), token, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestFetchInitialMergesListAndCount(t *testing.T) {
	s := newNotifyServer(t)
	s.list = []api.Notification{
		{ID: 2, Title: "New course published", IsRead: false},
		{ID: 1, Title: "Welcome", IsRead: true},
	}
	s.unread = 1
	c := newTestChannel(t, s, signedIn)

	c.FetchInitial(context.Background())

	assert.Len(t, c.Notifications(), 2)
	assert.Equal(t, 1, c.UnreadCount())
}

func TestFetchInitialWithoutUserResetsSilently(t *testing.T) {
	s := newNotifyServer(t)
	s.list = []api.Notification{{ID: 1}}
	s.unread = 1
	c := newTestChannel(t, s, signedOut)

	c.FetchInitial(context.Background())

	assert.Empty(t, c.Notifications())
	assert.Zero(t, c.UnreadCount())
	assert.Zero(t, atomic.LoadInt32(&s.httpReq), "no requests without a token")
}

func TestFetchInitialFailureResetsSilently(t *testing.T) {
	s := newNotifyServer(t)
	s.fetchFail = true
	c := newTestChannel(t, s, signedIn)

	c.FetchInitial(context.Background())

	assert.Empty(t, c.Notifications())
	assert.Zero(t, c.UnreadCount())
}

func TestConnectRequiresUser(t *testing.T) {
	s := newNotifyServer(t)
	c := newTestChannel(t, s, signedOut)

	c.Connect(context.Background())

	assert.Equal(t, StateDisconnected, c.State())
	assert.Zero(t, s.dialCount())
}

func TestNewNotificationPush(t *testing.T) {
	s := newNotifyServer(t)
	var hooked atomic.Int32
	c := newTestChannel(t, s, signedIn, WithNotificationHook(func(api.Notification) {
		hooked.Add(1)
	}))

	c.Connect(context.Background())
	conn := s.waitConn(t)
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, 5*time.Millisecond)

	s.push(t, conn, "new_notification", api.Notification{ID: 10, Title: "Assignment graded"})

	require.Eventually(t, func() bool { return c.UnreadCount() == 1 }, time.Second, 5*time.Millisecond)
	list := c.Notifications()
	require.Len(t, list, 1)
	assert.Equal(t, int64(10), list[0].ID)
	assert.Equal(t, int32(1), hooked.Load())

	// A second push prepends.
	s.push(t, conn, "new_notification", api.Notification{ID: 11, Title: "Live session starting"})
	require.Eventually(t, func() bool { return c.UnreadCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(11), c.Notifications()[0].ID)
}

func TestNotificationUpdatedPatchesInPlace(t *testing.T) {
	s := newNotifyServer(t)
	s.list = []api.Notification{{ID: 5, Title: "Quiz due", IsRead: false}}
	s.unread = 1
	c := newTestChannel(t, s, signedIn)
	c.FetchInitial(context.Background())

	c.Connect(context.Background())
	conn := s.waitConn(t)
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, 5*time.Millisecond)

	s.push(t, conn, "notification_updated", api.Notification{ID: 5, Title: "Quiz due", IsRead: true})
	require.Eventually(t, func() bool { return c.UnreadCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, c.Notifications()[0].IsRead)

	// Update for an unknown id leaves the list untouched.
	s.push(t, conn, "notification_updated", api.Notification{ID: 404, IsRead: false})
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, c.Notifications(), 1)
	assert.Equal(t, 0, c.UnreadCount())
}

func TestMalformedAndUnknownPushesIgnored(t *testing.T) {
	s := newNotifyServer(t)
	c := newTestChannel(t, s, signedIn)
	c.Connect(context.Background())
	conn := s.waitConn(t)
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "mystery"}))
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "new_notification", "notification": "nope"}))

	// The channel survives and still processes well-formed pushes.
	s.push(t, conn, "new_notification", api.Notification{ID: 1})
	require.Eventually(t, func() bool { return c.UnreadCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateConnected, c.State())
}

func TestNormalCloseDoesNotReconnect(t *testing.T) {
	s := newNotifyServer(t)
	c := newTestChannel(t, s, signedIn)
	c.Connect(context.Background())
	conn := s.waitConn(t)
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, 5*time.Millisecond)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	require.Eventually(t, func() bool { return c.State() == StateDisconnected }, time.Second, 5*time.Millisecond)
	time.Sleep(250 * time.Millisecond) // well past the reconnect delay
	assert.Equal(t, 1, s.dialCount())
}

func TestEndpointGoneCloseDoesNotReconnect(t *testing.T) {
	s := newNotifyServer(t)
	c := newTestChannel(t, s, signedIn)
	c.Connect(context.Background())
	conn := s.waitConn(t)
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, 5*time.Millisecond)

	msg := websocket.FormatCloseMessage(closeCodeEndpointGone, "no such endpoint")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	require.Eventually(t, func() bool { return c.State() == StateDisconnected }, time.Second, 5*time.Millisecond)
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 1, s.dialCount())
}

func TestAbnormalCloseReconnects(t *testing.T) {
	s := newNotifyServer(t)
	c := newTestChannel(t, s, signedIn)
	c.Connect(context.Background())
	conn := s.waitConn(t)
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, 5*time.Millisecond)

	// Kill the TCP connection without a close frame.
	require.NoError(t, conn.UnderlyingConn().Close())

	// The channel reconnects after the fixed delay.
	s.waitConn(t)
	require.Eventually(t, func() bool { return c.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, s.dialCount())
}

func TestSecondFailureReplacesReconnectTimer(t *testing.T) {
	s := newNotifyServer(t)
	c := newTestChannel(t, s, signedIn)
	c.Connect(context.Background())
	conn := s.waitConn(t)
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, 5*time.Millisecond)

	s.mu.Lock()
	s.rejectUpgrades = true
	s.mu.Unlock()

	// First abnormal closure arms the reconnect timer.
	require.NoError(t, conn.UnderlyingConn().Close())
	require.Eventually(t, func() bool { return c.State() == StateDisconnected }, time.Second, 5*time.Millisecond)

	// A second failure inside the same delay window must replace that timer,
	// not stack a duplicate beside it.
	c.Connect(context.Background())
	require.Eventually(t, func() bool { return s.dialCount() == 2 }, time.Second, 5*time.Millisecond)

	// One delay window later exactly one dial has fired; a leaked first timer
	// would land a second one here.
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, 3, s.dialCount())
}

func TestDialFailureRetriesOnSingleTimer(t *testing.T) {
	s := newNotifyServer(t)
	s.mu.Lock()
	s.rejectUpgrades = true
	s.mu.Unlock()
	c := newTestChannel(t, s, signedIn)

	c.Connect(context.Background())
	require.Eventually(t, func() bool { return s.dialCount() >= 2 }, 2*time.Second, 5*time.Millisecond)

	s.mu.Lock()
	s.rejectUpgrades = false
	s.mu.Unlock()

	s.waitConn(t)
	require.Eventually(t, func() bool { return c.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)

	// One retry per delay window: with an 80ms delay, a leaked duplicate
	// timer would roughly double the dial count.
	assert.LessOrEqual(t, s.dialCount(), 8)
}

func TestMarkAsReadBackendFirst(t *testing.T) {
	s := newNotifyServer(t)
	s.list = []api.Notification{{ID: 1, IsRead: false}, {ID: 2, IsRead: false}}
	s.unread = 2
	c := newTestChannel(t, s, signedIn)
	c.FetchInitial(context.Background())

	require.NoError(t, c.MarkAsRead(context.Background(), 1))
	assert.Equal(t, 1, c.UnreadCount())
	assert.True(t, c.Notifications()[0].IsRead)

	// Marking the same record again must not drive the count negative.
	require.NoError(t, c.MarkAsRead(context.Background(), 1))
	assert.Equal(t, 1, c.UnreadCount())

	require.NoError(t, c.MarkAsUnread(context.Background(), 1))
	assert.Equal(t, 2, c.UnreadCount())
}

func TestMarkAllAsRead(t *testing.T) {
	s := newNotifyServer(t)
	s.list = []api.Notification{{ID: 1}, {ID: 2}, {ID: 3, IsRead: true}}
	s.unread = 2
	c := newTestChannel(t, s, signedIn)
	c.FetchInitial(context.Background())

	require.NoError(t, c.MarkAllAsRead(context.Background()))
	assert.Zero(t, c.UnreadCount())
	for _, n := range c.Notifications() {
		assert.True(t, n.IsRead)
	}
}

func TestMutationFailureLeavesStateUnchanged(t *testing.T) {
	s := newNotifyServer(t)
	s.list = []api.Notification{{ID: 1, IsRead: false}}
	s.unread = 1
	c := newTestChannel(t, s, signedIn)
	c.FetchInitial(context.Background())

	s.mu.Lock()
	s.mutationFail = true
	s.mu.Unlock()

	assert.Error(t, c.MarkAllAsRead(context.Background()))
	assert.Equal(t, 1, c.UnreadCount())
	assert.False(t, c.Notifications()[0].IsRead)

	assert.Error(t, c.Delete(context.Background(), 1))
	assert.Len(t, c.Notifications(), 1)
}

func TestDeleteAdjustsUnread(t *testing.T) {
	s := newNotifyServer(t)
	s.list = []api.Notification{{ID: 1, IsRead: false}, {ID: 2, IsRead: true}}
	s.unread = 1
	c := newTestChannel(t, s, signedIn)
	c.FetchInitial(context.Background())

	require.NoError(t, c.Delete(context.Background(), 1))
	assert.Zero(t, c.UnreadCount())
	require.Len(t, c.Notifications(), 1)
	assert.Equal(t, int64(2), c.Notifications()[0].ID)

	require.NoError(t, c.DeleteAll(context.Background()))
	assert.Empty(t, c.Notifications())
	assert.Zero(t, c.UnreadCount())
}

func TestCloseTearsDown(t *testing.T) {
	s := newNotifyServer(t)
	c := newTestChannel(t, s, signedIn)
	c.Connect(context.Background())
	s.waitConn(t)
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, 5*time.Millisecond)

	c.Close()
	assert.Equal(t, StateDisconnected, c.State())

	// No reconnect after teardown, and Close is idempotent.
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 1, s.dialCount())
	c.Close()

	// Connect after Close stays down.
	c.Connect(context.Background())
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, 1, s.dialCount())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
}
