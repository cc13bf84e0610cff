// Package websocket implements eventsync.PushChannel over one multiplexed WebSocket
// connection. Topics are (un)subscribed with JSON control frames and every frame
// from the server is an eventsync.PushEvent.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/burugo/eventsync"
)

const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"

	defaultDialTimeout     = 10 * time.Second
	defaultWriteTimeout    = 5 * time.Second
	defaultInitialInterval = 500 * time.Millisecond
	defaultMaxInterval     = 30 * time.Second
)

// controlFrame is sent to the server to change the connection's topics.
type controlFrame struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

// Options configures a Channel.
type Options struct {
	URL string
	// Token is sent as a bearer token on every dial.
	Token        string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// InitialInterval and MaxInterval bound the reconnect backoff.
	InitialInterval time.Duration
	MaxInterval     time.Duration
	HTTPClient      *http.Client
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = defaultInitialInterval
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = defaultMaxInterval
	}
	return o
}

// Channel keeps one connection open, reconnecting with exponential backoff and
// resubscribing every active topic after each reconnect.
type Channel struct {
	opts Options

	mu       sync.Mutex
	conn     *websocket.Conn // nil while disconnected
	handlers map[string]map[int]func(eventsync.PushEvent)
	nextID   int

	// control is taken under mu before mu is released, so control frames reach the
	// server in the order the topic changes were decided.
	control sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ eventsync.PushChannel = (*Channel)(nil)

// Connect dials opts.URL and starts the read loop. The first dial must succeed;
// later disconnects are retried until Close.
func Connect(ctx context.Context, opts Options) (*Channel, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, &eventsync.ValidationError{Field: "URL", Reason: "must not be empty"}
	}
	opts = opts.withDefaults()
	ch := &Channel{opts: opts, handlers: make(map[string]map[int]func(eventsync.PushEvent))}
	conn, err := ch.dial(ctx)
	if err != nil {
		return nil, err
	}
	ch.ctx, ch.cancel = context.WithCancel(context.Background())
	ch.conn = conn
	ch.wg.Add(1)
	go ch.run(conn)
	log.Printf("Push channel connected to %s", opts.URL)
	return ch, nil
}

// Subscribe registers onEvent for topic. The server is told about a topic only
// once, when its first handler arrives.
func (c *Channel) Subscribe(topic string, onEvent func(eventsync.PushEvent)) (func(), error) {
	if strings.TrimSpace(topic) == "" {
		return nil, &eventsync.ValidationError{Field: "topic", Reason: "must not be empty"}
	}
	if onEvent == nil {
		return nil, &eventsync.ValidationError{Field: "onEvent", Reason: "must not be nil"}
	}
	if c.ctx.Err() != nil {
		return nil, eventsync.ErrClosed
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	first := len(c.handlers[topic]) == 0
	if first {
		c.handlers[topic] = make(map[int]func(eventsync.PushEvent))
	}
	c.handlers[topic][id] = onEvent
	conn := c.conn
	notify := first && conn != nil
	if notify {
		c.control.Lock()
	}
	c.mu.Unlock()

	if notify {
		// A failed write surfaces as a read error; the reconnect resubscribes.
		if err := c.send(conn, controlFrame{Action: actionSubscribe, Topic: topic}); err != nil {
			log.Printf("WARN: Failed to subscribe to %s: %v", topic, err)
		}
		c.control.Unlock()
	}

	var once sync.Once
	return func() { once.Do(func() { c.unsubscribe(topic, id) }) }, nil
}

func (c *Channel) unsubscribe(topic string, id int) {
	c.mu.Lock()
	delete(c.handlers[topic], id)
	last := len(c.handlers[topic]) == 0
	if last {
		delete(c.handlers, topic)
	}
	conn := c.conn
	notify := last && conn != nil && c.ctx.Err() == nil
	if notify {
		c.control.Lock()
	}
	c.mu.Unlock()

	if notify {
		if err := c.send(conn, controlFrame{Action: actionUnsubscribe, Topic: topic}); err != nil {
			log.Printf("WARN: Failed to unsubscribe from %s: %v", topic, err)
		}
		c.control.Unlock()
	}
}

// Connected reports whether a connection is currently open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close stops reconnecting and closes the connection.
func (c *Channel) Close() error {
	c.cancel()
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	c.wg.Wait()
	return nil
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	conn, _, err := websocket.Dial(ctx, c.opts.URL, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPClient: c.opts.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, &eventsync.TransientNetworkError{Op: "push dial", Err: err}
	}
	return conn, nil
}

// run reads from conn until it fails, then reconnects. It exits on Close.
func (c *Channel) run(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		err := c.readLoop(conn)
		if c.ctx.Err() != nil {
			return
		}
		log.Printf("WARN: Push connection lost: %v", err)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.CloseNow()

		conn = c.reconnect()
		if conn == nil {
			return
		}
	}
}

func (c *Channel) readLoop(conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(c.ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		var ev eventsync.PushEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("WARN: Ignoring malformed push frame: %v", err)
			continue
		}
		if ev.Topic == "" || ev.Type == "" {
			// Acks and other control frames.
			continue
		}
		c.dispatch(ev)
	}
}

func (c *Channel) dispatch(ev eventsync.PushEvent) {
	c.mu.Lock()
	handlers := make([]func(eventsync.PushEvent), 0, len(c.handlers[ev.Topic]))
	for _, h := range c.handlers[ev.Topic] {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

// reconnect dials until it succeeds or the channel is closed, then resubscribes
// every topic with handlers. It returns nil once closed.
func (c *Channel) reconnect() *websocket.Conn {
	for {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = c.opts.InitialInterval
		b.MaxInterval = c.opts.MaxInterval

		conn, err := backoff.Retry(c.ctx, func() (*websocket.Conn, error) {
			return c.dial(c.ctx)
		},
			backoff.WithBackOff(b),
			backoff.WithNotify(func(err error, wait time.Duration) {
				log.Printf("WARN: Push reconnect failed, retrying in %s: %v", wait, err)
			}),
		)
		if c.ctx.Err() != nil {
			if conn != nil {
				_ = conn.CloseNow()
			}
			return nil
		}
		if err != nil {
			// The backoff gave up after its elapsed-time limit; start a new one.
			log.Printf("ERROR: Push reconnect gave up: %v", err)
			continue
		}

		c.mu.Lock()
		if c.ctx.Err() != nil {
			c.mu.Unlock()
			_ = conn.CloseNow()
			return nil
		}
		c.conn = conn
		topics := make([]string, 0, len(c.handlers))
		for topic := range c.handlers {
			topics = append(topics, topic)
		}
		c.control.Lock()
		c.mu.Unlock()

		log.Printf("Push channel reconnected to %s, resubscribing %d topic(s)", c.opts.URL, len(topics))
		for _, topic := range topics {
			if err := c.send(conn, controlFrame{Action: actionSubscribe, Topic: topic}); err != nil {
				log.Printf("WARN: Failed to resubscribe to %s: %v", topic, err)
			}
		}
		c.control.Unlock()
		return conn
	}
}

func (c *Channel) send(conn *websocket.Conn, frame controlFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode control frame: %w", err)
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		if errors.Is(err, context.Canceled) {
			return eventsync.ErrClosed
		}
		return &eventsync.TransientNetworkError{Op: "push " + frame.Action, Err: err}
	}
	return nil
}
