// Package rpc implements a JSON-RPC 2.0 client over a websocket with
// support for server-pushed subscription notifications.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oasisprotocol/chainhead/log"
)

const (
	moduleName = "rpc"

	// Time allowed to write a message to the node.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the node.
	pongWait = 60 * time.Second
	// Send pings to the node with this period. Must be less than pongWait.
	pingPeriod = pongWait / 2
)

// ErrClosed is returned for calls and subscriptions on a client whose
// connection has been closed.
var ErrClosed = errors.New("rpc: connection closed")

// Error is a JSON-RPC error object returned by the node.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if len(e.Data) != 0 {
		return fmt.Sprintf("rpc error %d: %s (%s)", e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// message is any message received from the node: a response (ID set) or a
// notification (Method set).
type message struct {
	ID     *uint64         `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

type notificationParams struct {
	Subscription json.RawMessage `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// Client is a JSON-RPC client bound to a single websocket connection.
// It is safe for concurrent use.
type Client struct {
	conn   *websocket.Conn
	logger *log.Logger

	writeMu sync.Mutex

	mu               sync.Mutex
	nextID           uint64
	pending          map[uint64]chan *message
	subs             map[string]*Subscription
	orphans          map[string][]json.RawMessage
	pendingSubscribe int
	err              error

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the websocket JSON-RPC endpoint.
func Dial(ctx context.Context, endpoint string, logger *log.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", endpoint, err)
	}
	return newClient(conn, logger.WithModule(moduleName).With("endpoint", endpoint)), nil
}

func newClient(conn *websocket.Conn, logger *log.Logger) *Client {
	c := &Client{
		conn:    conn,
		logger:  logger,
		pending: make(map[uint64]chan *message),
		subs:    make(map[string]*Subscription),
		orphans: make(map[string][]json.RawMessage),
		done:    make(chan struct{}),
	}
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.readLoop()
	go c.keepalive()
	return c
}

// Done is closed once the connection is gone. Err then reports why.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that terminated the connection, or nil while it is alive.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection. Pending calls and live subscriptions fail with ErrClosed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.writeMu.Unlock()
		c.fail(ErrClosed)
		err = c.conn.Close()
	})
	return err
}

// Call invokes method and decodes its result into result, which may be nil.
func (c *Client) Call(ctx context.Context, result interface{}, method string, params ...interface{}) error {
	raw, err := c.call(ctx, method, params)
	if err != nil {
		return err
	}
	if result == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("%s: decoding result: %w", method, err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.nextID++
	id := c.nextID
	respCh := make(chan *message, 1)
	c.pending[id] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(request{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		return resp.result()
	case <-c.done:
		// A response read just before the connection failed still counts.
		select {
		case resp := <-respCh:
			return resp.result()
		default:
			return nil, c.Err()
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *message) result() (json.RawMessage, error) {
	if m.Error != nil {
		return nil, m.Error
	}
	return m.Result, nil
}

func (c *Client) write(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := c.conn.WriteJSON(v); err != nil {
		c.logger.Warn("failed to write request", "err", err)
		return err
	}
	return nil
}

// Subscribe invokes method, whose result is a subscription id, and returns
// the stream of notifications for it. unsubscribeMethod is called by
// Subscription.Unsubscribe.
func (c *Client) Subscribe(ctx context.Context, method string, unsubscribeMethod string, params ...interface{}) (*Subscription, error) {
	c.mu.Lock()
	c.pendingSubscribe++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.pendingSubscribe--
		if c.pendingSubscribe == 0 {
			// Notifications for unknown subscriptions are only kept while a
			// subscribe call might still claim them.
			c.orphans = make(map[string][]json.RawMessage)
		}
		c.mu.Unlock()
	}()

	raw, err := c.call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	id, err := subscriptionID(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	sub := &Subscription{
		client:      c,
		id:          id,
		unsubMethod: unsubscribeMethod,
		notify:      make(chan struct{}, 1),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.orphans[id] {
		sub.queue.PushBack(n)
	}
	delete(c.orphans, id)
	if sub.queue.Len() > 0 {
		sub.signal()
	}
	if c.err != nil {
		// The connection failed after the node accepted the subscription;
		// what arrived before that is still delivered.
		sub.err = c.err
		sub.signal()
		return sub, nil
	}
	c.subs[id] = sub
	return sub, nil
}

// subscriptionID normalizes a JSON subscription id, which may be a string or a number.
func subscriptionID(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("malformed subscription id %s", string(raw))
}

func (c *Client) removeSubscription(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, id)
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				err = ErrClosed
			}
			c.fail(err)
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("dropping malformed message", "err", err, "message", string(data))
			continue
		}
		switch {
		case msg.ID != nil:
			c.dispatchResponse(&msg)
		case msg.Method != "":
			c.dispatchNotification(&msg)
		default:
			c.logger.Warn("dropping message that is neither a response nor a notification", "message", string(data))
		}
	}
}

func (c *Client) dispatchResponse(msg *message) {
	c.mu.Lock()
	respCh, ok := c.pending[*msg.ID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("dropping response to unknown request", "id", strconv.FormatUint(*msg.ID, 10))
		return
	}
	respCh <- msg
}

func (c *Client) dispatchNotification(msg *message) {
	var params notificationParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		c.logger.Warn("dropping malformed notification", "method", msg.Method, "err", err)
		return
	}
	id, err := subscriptionID(params.Subscription)
	if err != nil {
		c.logger.Warn("dropping notification", "method", msg.Method, "err", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.subs[id]; ok {
		sub.push(params.Result)
		return
	}
	if c.pendingSubscribe > 0 {
		c.orphans[id] = append(c.orphans[id], params.Result)
		return
	}
	c.logger.Debug("dropping notification for unknown subscription", "method", msg.Method, "subscription", id)
}

// fail terminates the client with err. Only the first error is kept.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	subs := c.subs
	c.subs = make(map[string]*Subscription)
	c.mu.Unlock()

	if !errors.Is(err, ErrClosed) {
		c.logger.Error("connection failed", "err", err)
	}
	close(c.done)
	for _, sub := range subs {
		sub.terminate(err)
	}
}

func (c *Client) keepalive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Warn("failed to send ping", "err", err)
				_ = c.conn.Close()
				return
			}
		}
	}
}
