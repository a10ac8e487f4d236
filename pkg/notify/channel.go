// Package notify keeps an in-memory mirror of the user's notifications in sync
// with the backend: an initial REST fetch plus a live websocket channel that
// reconnects after unexpected closures. Notifications are a best-effort
// enhancement, so every backend and socket failure degrades to an empty or
// stale-but-consistent state instead of reaching the caller's UI.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"madrasa/pkg/api"
)

// State is the connection state of the live channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// DefaultReconnectDelay is the fixed wait before a reconnect attempt.
const DefaultReconnectDelay = 3 * time.Second

// DefaultFetchLimit bounds the initial notification list fetch.
const DefaultFetchLimit = 20

// closeCodeEndpointGone is the application close code the backend uses when
// the notification endpoint does not exist. Terminal, like a normal close.
const closeCodeEndpointGone = 4404

// TokenFunc supplies the current access token; it reports false when no user
// is signed in.
type TokenFunc func() (string, bool)

// Channel is the notification mirror plus its live websocket connection.
type Channel struct {
	api     *api.Client
	wsURL   string
	token   TokenFunc
	log     zerolog.Logger
	dialer  *websocket.Dialer
	delay   time.Duration
	limit   int
	onNew   func(api.Notification)
	onState func(State)

	mu             sync.Mutex
	state          State
	notifications  []api.Notification
	unread         int
	conn           *websocket.Conn
	reconnectTimer *time.Timer
	closed         bool
	gen            int
}

// Option customises a Channel.
type Option func(*Channel)

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Channel) { c.log = log }
}

// WithReconnectDelay overrides the fixed reconnect delay.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.delay = d
		}
	}
}

// WithFetchLimit overrides the initial fetch page size.
func WithFetchLimit(limit int) Option {
	return func(c *Channel) {
		if limit > 0 {
			c.limit = limit
		}
	}
}

// WithNotificationHook registers a callback invoked for every pushed
// new_notification record, after it is merged into local state.
func WithNotificationHook(fn func(api.Notification)) Option {
	return func(c *Channel) { c.onNew = fn }
}

// WithStateHook registers a callback invoked on every connection state change.
func WithStateHook(fn func(State)) Option {
	return func(c *Channel) { c.onState = fn }
}

// New returns a Channel for the given websocket endpoint. token supplies the
// credential for both the REST fetches and the socket.
func New(client *api.Client, wsURL string, token TokenFunc, opts ...Option) (*Channel, error) {
	if wsURL == "" {
		return nil, errors.New("notify: websocket url is required")
	}
	if token == nil {
		return nil, errors.New("notify: token source is required")
	}
	c := &Channel{
		api:    client,
		wsURL:  wsURL,
		token:  token,
		log:    zerolog.Nop(),
		dialer: websocket.DefaultDialer,
		delay:  DefaultReconnectDelay,
		limit:  DefaultFetchLimit,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// FetchInitial loads the notification list and unread count with two
// concurrent requests. Without a signed-in user, or on any failure, the
// mirror resets to empty without reporting an error.
func (c *Channel) FetchInitial(ctx context.Context) {
	token, ok := c.token()
	if !ok || token == "" {
		c.reset()
		return
	}

	var (
		wg       sync.WaitGroup
		list     []api.Notification
		count    int
		listErr  error
		countErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		list, listErr = c.api.Notifications(ctx, token, c.limit)
	}()
	go func() {
		defer wg.Done()
		count, countErr = c.api.UnreadCount(ctx, token)
	}()
	wg.Wait()

	if listErr != nil || countErr != nil {
		c.log.Debug().AnErr("list", listErr).AnErr("count", countErr).
			Msg("initial notification fetch failed")
		c.reset()
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.notifications = list
	c.unread = count
}

// Connect opens the live socket, authenticating with the current access token
// as a query credential. Without a signed-in user it does nothing. Dial
// failures are treated like unexpected closures and retried after the fixed
// delay; the caller is never handed an error.
func (c *Channel) Connect(ctx context.Context) {
	token, ok := c.token()
	if !ok || token == "" {
		return
	}

	c.mu.Lock()
	if c.closed || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateConnecting)
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	endpoint := c.wsURL + "?token=" + url.QueryEscape(token)
	conn, resp, err := c.dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		c.log.Debug().Err(err).Msg("websocket dial failed")
		c.mu.Lock()
		if !c.closed && c.gen == gen {
			c.setStateLocked(StateDisconnected)
			c.scheduleReconnectLocked()
		}
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	if c.closed || c.gen != gen {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.setStateLocked(StateConnected)
	c.stopReconnectTimerLocked()
	c.mu.Unlock()

	go c.readLoop(conn, gen)
}

// Close tears the channel down: the socket is closed with a normal close
// frame, the reconnect timer is cancelled, and no further state mutation can
// occur.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopReconnectTimerLocked()
	conn := c.conn
	c.conn = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Notifications returns a copy of the mirrored records, newest first.
func (c *Channel) Notifications() []api.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]api.Notification, len(c.notifications))
	copy(out, c.notifications)
	return out
}

// UnreadCount returns the mirrored unread count.
func (c *Channel) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread
}

// MarkAsRead marks one notification read, backend first. Local state changes
// only on backend success.
func (c *Channel) MarkAsRead(ctx context.Context, id int64) error {
	token, ok := c.token()
	if !ok {
		return errors.New("notify: not signed in")
	}
	if err := c.api.MarkRead(ctx, token, id); err != nil {
		c.log.Debug().Err(err).Int64("id", id).Msg("mark read failed")
		return err
	}
	c.setRead(id, true)
	return nil
}

// MarkAsUnread marks one notification unread, backend first.
func (c *Channel) MarkAsUnread(ctx context.Context, id int64) error {
	token, ok := c.token()
	if !ok {
		return errors.New("notify: not signed in")
	}
	if err := c.api.MarkUnread(ctx, token, id); err != nil {
		c.log.Debug().Err(err).Int64("id", id).Msg("mark unread failed")
		return err
	}
	c.setRead(id, false)
	return nil
}

// MarkAllAsRead marks every notification read, backend first.
func (c *Channel) MarkAllAsRead(ctx context.Context) error {
	token, ok := c.token()
	if !ok {
		return errors.New("notify: not signed in")
	}
	if err := c.api.MarkAllRead(ctx, token); err != nil {
		c.log.Debug().Err(err).Msg("mark all read failed")
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	for i := range c.notifications {
		c.notifications[i].IsRead = true
	}
	c.unread = 0
	return nil
}

// Delete removes one notification, backend first.
func (c *Channel) Delete(ctx context.Context, id int64) error {
	token, ok := c.token()
	if !ok {
		return errors.New("notify: not signed in")
	}
	if err := c.api.DeleteNotification(ctx, token, id); err != nil {
		c.log.Debug().Err(err).Int64("id", id).Msg("delete failed")
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	for i, n := range c.notifications {
		if n.ID == id {
			if !n.IsRead && c.unread > 0 {
				c.unread--
			}
			c.notifications = append(c.notifications[:i], c.notifications[i+1:]...)
			break
		}
	}
	return nil
}

// DeleteAll removes every notification, backend first.
func (c *Channel) DeleteAll(ctx context.Context) error {
	token, ok := c.token()
	if !ok {
		return errors.New("notify: not signed in")
	}
	if err := c.api.DeleteAllNotifications(ctx, token); err != nil {
		c.log.Debug().Err(err).Msg("delete all failed")
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.notifications = nil
	c.unread = 0
	return nil
}

func (c *Channel) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(gen, err)
			return
		}
		c.handleMessage(data)
	}
}

type pushMessage struct {
	Type         string          `json:"type"`
	Notification json.RawMessage `json:"notification"`
}

func (c *Channel) handleMessage(data []byte) {
	var msg pushMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Debug().Err(err).Msg("malformed push message ignored")
		return
	}

	switch msg.Type {
	case "new_notification":
		var n api.Notification
		if err := json.Unmarshal(msg.Notification, &n); err != nil {
			c.log.Debug().Err(err).Msg("malformed notification payload ignored")
			return
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.notifications = append([]api.Notification{n}, c.notifications...)
		if !n.IsRead {
			c.unread++
		}
		hook := c.onNew
		c.mu.Unlock()
		if hook != nil {
			hook(n)
		}
	case "notification_updated":
		var n api.Notification
		if err := json.Unmarshal(msg.Notification, &n); err != nil {
			c.log.Debug().Err(err).Msg("malformed notification payload ignored")
			return
		}
		c.patch(n)
	case "connection_established":
		// Greeting only.
	default:
		c.log.Debug().Str("type", msg.Type).Msg("unrecognised push message ignored")
	}
}

// patch replaces the record matching n's id in place, adjusting the unread
// count by the read-state delta. A miss is a no-op.
func (c *Channel) patch(n api.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for i, existing := range c.notifications {
		if existing.ID != n.ID {
			continue
		}
		if existing.IsRead != n.IsRead {
			if n.IsRead {
				if c.unread > 0 {
					c.unread--
				}
			} else {
				c.unread++
			}
		}
		c.notifications[i] = n
		return
	}
}

func (c *Channel) setRead(id int64, read bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for i, n := range c.notifications {
		if n.ID != id || n.IsRead == read {
			continue
		}
		c.notifications[i].IsRead = read
		if read {
			if c.unread > 0 {
				c.unread--
			}
		} else {
			c.unread++
		}
		return
	}
}

func (c *Channel) handleDisconnect(gen int, err error) {
	code := closeCode(err)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.gen != gen {
		return
	}
	c.conn = nil
	c.setStateLocked(StateDisconnected)

	if code == websocket.CloseNormalClosure || code == closeCodeEndpointGone {
		c.log.Debug().Int("code", code).Msg("websocket closed, not reconnecting")
		return
	}
	c.log.Debug().Int("code", code).Err(err).Msg("websocket lost, scheduling reconnect")
	c.scheduleReconnectLocked()
}

// closeCode extracts the close code from a read error. Network-level errors
// carry no code and count as abnormal.
func closeCode(err error) int {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code
	}
	return websocket.CloseAbnormalClosure
}

// scheduleReconnectLocked arms the single reconnect timer, replacing any timer
// already pending so back-to-back closures never leak a duplicate.
func (c *Channel) scheduleReconnectLocked() {
	c.stopReconnectTimerLocked()
	c.reconnectTimer = time.AfterFunc(c.delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		c.Connect(context.Background())
	})
}

func (c *Channel) stopReconnectTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Channel) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.onState != nil {
		// Hooks are cheap (metric gauges); invoked under the lock to keep
		// state transitions ordered.
		c.onState(s)
	}
}

func (c *Channel) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.notifications = nil
	c.unread = 0
}
