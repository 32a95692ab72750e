// Package xrpl implements the XRP Ledger adapter over the rippled WebSocket API.
package xrpl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marko911/paywatch/internal/adapter"
)

var ErrClientClosed = errors.New("xrpl client closed")

// RPCError is an error response from rippled.
type RPCError struct {
	Code    string
	Message string
}

func (e *RPCError) Error() string {
	if e.Message == "" {
		return "rippled: " + e.Code
	}
	return fmt.Sprintf("rippled: %s: %s", e.Code, e.Message)
}

// IsRPCError reports whether err is a rippled error with the given code.
func IsRPCError(err error, code string) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == code
}

type response struct {
	ID           *uint64         `json:"id"`
	Type         string          `json:"type"`
	Status       string          `json:"status"`
	Result       json.RawMessage `json:"result"`
	Error        string          `json:"error"`
	ErrorMessage string          `json:"error_message"`
}

// Client is one WebSocket connection to rippled shared by every watched
// account on the endpoint. Requests are multiplexed by id and transaction
// stream messages are fanned out per account.
type Client struct {
	endpoint       string
	dialTimeout    time.Duration
	requestTimeout time.Duration
	logger         *slog.Logger

	dialMu  sync.Mutex
	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	nextID  uint64
	pending map[uint64]chan response
	streams map[string]map[*accountStream]struct{}
}

func NewClient(endpoint string, dialTimeout, requestTimeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	if requestTimeout <= 0 {
		requestTimeout = 15 * time.Second
	}
	return &Client{
		endpoint:       endpoint,
		dialTimeout:    dialTimeout,
		requestTimeout: requestTimeout,
		logger:         logger.With("component", "xrpl-client"),
		pending:        make(map[uint64]chan response),
		streams:        make(map[string]map[*accountStream]struct{}),
	}
}

// Connected reports whether a socket is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Request sends one command, dialing first if needed, and decodes the result
// into out when out is non-nil.
func (c *Client) Request(ctx context.Context, command string, params map[string]any, out any) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	return c.send(ctx, conn, command, params, out)
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.dialTimeout,
	}
	conn, _, err := dialer.DialContext(dialCtx, c.endpoint, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if adapter.IsTimeout(err) || errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: dial %s: %v", adapter.ErrConnectionTimeout, c.endpoint, err)
		}
		return nil, fmt.Errorf("dial %s: %w", c.endpoint, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return nil, ErrClientClosed
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info("connected to rippled", "endpoint", c.endpoint)
	go c.readLoop(conn)
	return conn, nil
}

func (c *Client) send(ctx context.Context, conn *websocket.Conn, command string, params map[string]any, out any) error {
	ch := make(chan response, 1)

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", adapter.ErrConnectionClosed, command)
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	msg := make(map[string]any, len(params)+2)
	for k, v := range params {
		msg[k] = v
	}
	msg["id"] = id
	msg["command"] = command

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", command, err)
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(c.requestTimeout))
	err = conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.drop(conn, err)
		return fmt.Errorf("%w: write %s: %v", adapter.ErrConnectionClosed, command, err)
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return fmt.Errorf("%w: %s", adapter.ErrConnectionClosed, command)
		}
		if resp.Status == "error" || resp.Error != "" {
			return &RPCError{Code: resp.Error, Message: resp.ErrorMessage}
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("%w: decode %s result: %v", adapter.ErrMalformedEvent, command, err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %s after %s", adapter.ErrConnectionTimeout, command, c.requestTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.drop(conn, err)
			return
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg []byte) {
	var head struct {
		ID   *uint64 `json:"id"`
		Type string  `json:"type"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		c.logger.Warn("dropping unparseable message", "error", err)
		return
	}

	switch {
	case head.ID != nil && (head.Type == "response" || head.Type == ""):
		var resp response
		if err := json.Unmarshal(msg, &resp); err != nil {
			c.logger.Warn("dropping unparseable response", "error", err)
			return
		}
		c.mu.Lock()
		if ch, ok := c.pending[*head.ID]; ok {
			select {
			case ch <- resp:
			default:
			}
		}
		c.mu.Unlock()

	case head.Type == "transaction":
		accounts, err := streamAccounts(msg)
		if err != nil {
			c.logger.Warn("dropping malformed transaction message", "error", err)
			return
		}
		c.mu.Lock()
		for _, account := range accounts {
			for s := range c.streams[account] {
				select {
				case s.ch <- json.RawMessage(msg):
				default:
					c.logger.Warn("account stream full, dropping transaction", "account", account)
				}
			}
		}
		c.mu.Unlock()
	}
}

// drop tears down conn if it is still current. Pending requests fail and
// every account stream on it ends, since rippled forgets subscriptions with
// the socket.
func (c *Client) drop(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pending := c.pending
	streams := c.streams
	c.pending = make(map[uint64]chan response)
	c.streams = make(map[string]map[*accountStream]struct{})
	closed := c.closed
	c.mu.Unlock()

	conn.Close()
	for _, ch := range pending {
		close(ch)
	}
	err := fmt.Errorf("%w: %v", adapter.ErrConnectionClosed, cause)
	for _, set := range streams {
		for s := range set {
			s.fail(err)
		}
	}

	if !closed {
		c.logger.Warn("rippled connection lost", "error", cause, "streams", len(streams))
	}
}

// Close shuts the socket. The client cannot be reused afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.drop(conn, ErrClientClosed)
	}
	return nil
}

type accountStream struct {
	account string
	ch      chan json.RawMessage
	done    chan struct{}

	once sync.Once
	err  error
}

func (s *accountStream) fail(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

// subscribeAccount registers a stream for account and asks rippled to send
// its validated transactions. The stream is registered first so nothing
// between the response and the caller reading the channel is lost.
func (c *Client) subscribeAccount(ctx context.Context, account string) (*accountStream, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	s := &accountStream{
		account: account,
		ch:      make(chan json.RawMessage, 64),
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: subscribe", adapter.ErrConnectionClosed)
	}
	set, ok := c.streams[account]
	if !ok {
		set = make(map[*accountStream]struct{})
		c.streams[account] = set
	}
	set[s] = struct{}{}
	c.mu.Unlock()

	params := map[string]any{"accounts": []string{account}}
	if err := c.send(ctx, conn, "subscribe", params, nil); err != nil {
		c.release(s)
		return nil, err
	}
	return s, nil
}

// release removes one stream. The server side subscription is dropped only
// when no other stream watches the same account.
func (c *Client) release(s *accountStream) {
	c.mu.Lock()
	last := false
	if set, ok := c.streams[s.account]; ok {
		if _, mine := set[s]; mine {
			delete(set, s)
			if len(set) == 0 {
				delete(c.streams, s.account)
				last = true
			}
		}
	}
	conn := c.conn
	c.mu.Unlock()

	if !last || conn == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
		defer cancel()
		params := map[string]any{"accounts": []string{s.account}}
		if err := c.send(ctx, conn, "unsubscribe", params, nil); err != nil {
			c.logger.Debug("unsubscribe failed", "account", s.account, "error", err)
		}
	}()
}

// streamCount is the number of live account streams. Used by tests.
func (c *Client) streamCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, set := range c.streams {
		n += len(set)
	}
	return n
}
