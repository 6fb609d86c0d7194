// Package obs drives a running OBS Studio through obs-websocket (protocol v5).
//
// The client only speaks the requests the switcher needs: listing and
// switching program scenes, and provisioning the video input that shows the
// cloned device. Events are not subscribed to.
package obs

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"markerswitch/pkg/logging"
)

const (
	// DefaultURL is where obs-websocket listens out of the box
	DefaultURL = "ws://127.0.0.1:4455"

	subprotocol = "obswebsocket.json"
	rpcVersion  = 1

	defaultRequestTimeout = 5 * time.Second
	defaultAttempts       = 3
	initialRetryDelay     = 500 * time.Millisecond
	maxRetryDelay         = 4 * time.Second
)

// opcodes
const (
	opHello           = 0
	opIdentify        = 1
	opIdentified      = 2
	opEvent           = 5
	opRequest         = 6
	opRequestResponse = 7
)

// closeAuthFailed is the close code obs-websocket sends for a bad password
const closeAuthFailed = 4009

var (
	ErrNotConnected = errors.New("obs: not connected")
	ErrAuthFailed   = errors.New("obs: authentication failed")
)

// RequestError is a request obs-websocket answered with a failure status
type RequestError struct {
	Request string
	Code    int
	Comment string
}

func (e *RequestError) Error() string {
	if e.Comment == "" {
		return fmt.Sprintf("obs: %s failed with code %d", e.Request, e.Code)
	}
	return fmt.Sprintf("obs: %s failed with code %d: %s", e.Request, e.Code, e.Comment)
}

// Config holds connection settings
type Config struct {
	URL            string
	Password       string
	RequestTimeout time.Duration
	Attempts       int // connection attempts before giving up
}

type message struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

type hello struct {
	ObsWebSocketVersion string `json:"obsWebSocketVersion"`
	RPCVersion          int    `json:"rpcVersion"`
	Authentication      *struct {
		Challenge string `json:"challenge"`
		Salt      string `json:"salt"`
	} `json:"authentication,omitempty"`
}

type identify struct {
	RPCVersion         int    `json:"rpcVersion"`
	Authentication     string `json:"authentication,omitempty"`
	EventSubscriptions int    `json:"eventSubscriptions"`
}

type request struct {
	RequestType string `json:"requestType"`
	RequestID   string `json:"requestId"`
	RequestData any    `json:"requestData,omitempty"`
}

type response struct {
	RequestType   string `json:"requestType"`
	RequestID     string `json:"requestId"`
	RequestStatus struct {
		Result  bool   `json:"result"`
		Code    int    `json:"code"`
		Comment string `json:"comment"`
	} `json:"requestStatus"`
	ResponseData json.RawMessage `json:"responseData"`
}

// Client is a connected obs-websocket session
type Client struct {
	cfg  Config
	conn *websocket.Conn

	writeMu sync.Mutex
	mu      sync.Mutex
	pending map[string]chan response

	closed atomic.Bool
	done   chan struct{}
}

// Dial connects and identifies, retrying with exponential backoff
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultAttempts
	}

	var lastErr error
	retryDelay := initialRetryDelay
	for attempt := 0; attempt < cfg.Attempts; attempt++ {
		c, err := connect(ctx, cfg)
		if err == nil {
			return c, nil
		}
		lastErr = err
		if errors.Is(err, ErrAuthFailed) {
			// a wrong password will not improve with retries
			return nil, err
		}
		logging.Debug("OBS", fmt.Sprintf("Connection attempt %d/%d failed: %v", attempt+1, cfg.Attempts, err))

		if attempt < cfg.Attempts-1 {
			select {
			case <-time.After(retryDelay):
				retryDelay *= 2
				if retryDelay > maxRetryDelay {
					retryDelay = maxRetryDelay
				}
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("obs: failed to connect to %s after %d attempts: %w", cfg.URL, cfg.Attempts, lastErr)
}

func connect(ctx context.Context, cfg Config) (*Client, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.RequestTimeout,
		Subprotocols:     []string{subprotocol},
	}
	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	if err := handshake(conn, cfg); err != nil {
		conn.Close()
		return nil, err
	}

	c := &Client{
		cfg:     cfg,
		conn:    conn,
		pending: make(map[string]chan response),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	logging.Debug("OBS", fmt.Sprintf("Connected to %s", cfg.URL))
	return c, nil
}

// handshake runs Hello -> Identify -> Identified before the read loop starts
func handshake(conn *websocket.Conn, cfg Config) error {
	conn.SetReadDeadline(time.Now().Add(cfg.RequestTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var msg message
	if err := conn.ReadJSON(&msg); err != nil {
		return fmt.Errorf("obs: reading hello: %w", err)
	}
	if msg.Op != opHello {
		return fmt.Errorf("obs: expected hello, got op %d", msg.Op)
	}
	var h hello
	if err := json.Unmarshal(msg.D, &h); err != nil {
		return fmt.Errorf("obs: decoding hello: %w", err)
	}

	id := identify{RPCVersion: rpcVersion}
	if h.Authentication != nil {
		id.Authentication = authResponse(cfg.Password, h.Authentication.Salt, h.Authentication.Challenge)
	}
	data, err := json.Marshal(id)
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(message{Op: opIdentify, D: data}); err != nil {
		return fmt.Errorf("obs: sending identify: %w", err)
	}

	if err := conn.ReadJSON(&msg); err != nil {
		if websocket.IsCloseError(err, closeAuthFailed) {
			return ErrAuthFailed
		}
		return fmt.Errorf("obs: reading identified: %w", err)
	}
	if msg.Op != opIdentified {
		return fmt.Errorf("obs: expected identified, got op %d", msg.Op)
	}
	return nil
}

// authResponse computes base64(sha256(base64(sha256(password+salt)) + challenge))
func authResponse(password, salt, challenge string) string {
	secret := sha256.Sum256([]byte(password + salt))
	secretB64 := base64.StdEncoding.EncodeToString(secret[:])
	auth := sha256.Sum256([]byte(secretB64 + challenge))
	return base64.StdEncoding.EncodeToString(auth[:])
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		close(c.done)
	}()

	for {
		var msg message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if !c.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("obs connection lost", "error", err)
			}
			return
		}

		switch msg.Op {
		case opRequestResponse:
			var resp response
			if err := json.Unmarshal(msg.D, &resp); err != nil {
				logging.Debug("OBS", fmt.Sprintf("Bad response: %v", err))
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[resp.RequestID]
			delete(c.pending, resp.RequestID)
			c.mu.Unlock()
			if ok {
				ch <- resp
			}
		case opEvent:
			// not subscribed; ignore anything that arrives anyway
		default:
			logging.Debug("OBS", fmt.Sprintf("Ignoring op %d", msg.Op))
		}
	}
}

// call sends one request and decodes its responseData into out (may be nil)
func (c *Client) call(ctx context.Context, requestType string, data any, out any) error {
	if c.closed.Load() {
		return ErrNotConnected
	}

	id := uuid.NewString()
	ch := make(chan response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	payload, err := json.Marshal(request{RequestType: requestType, RequestID: id, RequestData: data})
	if err != nil {
		c.forget(id)
		return err
	}

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.RequestTimeout))
	err = c.conn.WriteJSON(message{Op: opRequest, D: payload})
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return fmt.Errorf("obs: sending %s: %w", requestType, err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return ErrNotConnected
		}
		if !resp.RequestStatus.Result {
			return &RequestError{Request: requestType, Code: resp.RequestStatus.Code, Comment: resp.RequestStatus.Comment}
		}
		if out != nil && len(resp.ResponseData) > 0 {
			if err := json.Unmarshal(resp.ResponseData, out); err != nil {
				return fmt.Errorf("obs: decoding %s response: %w", requestType, err)
			}
		}
		return nil
	case <-c.done:
		c.forget(id)
		return ErrNotConnected
	case <-timer.C:
		c.forget(id)
		return fmt.Errorf("obs: %s timed out after %v", requestType, c.cfg.RequestTimeout)
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Done is closed when the connection ends
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close ends the session. Safe to call more than once.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()

	err := c.conn.Close()
	<-c.done
	logging.Debug("OBS", "Connection closed")
	return err
}
