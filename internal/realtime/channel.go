// Package realtime owns the lifecycle of the persistent chat
// connection: dialing, the inbound frame pump, the inactivity watchdog
// hook and the reconnect policy. The channel is best-effort: connect
// failures are retried with a fixed backoff and never surface to
// callers, whose only symptom is an absence of events.
package realtime

import (
	"log/slog"
	"sync"
	"time"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Conn is the subset of a websocket connection the channel needs.
// *websocket.Conn from gorilla/websocket satisfies it directly.
type Conn interface {
	ReadMessage() (int, []byte, error)
	Close() error
}

type Config struct {
	// Dial performs the full handshake (connection ticket, sequence
	// marker, websocket upgrade) and returns an open connection.
	Dial func() (Conn, error)
	// OnFrame is invoked on the pump goroutine for every inbound frame.
	OnFrame func([]byte)
	// Backoff is the fixed delay between failed connection attempts.
	Backoff time.Duration
	Now     func() time.Time
	Logger  *slog.Logger
}

type Channel struct {
	cfg Config

	mu           sync.Mutex
	conn         Conn
	state        State
	lastActivity time.Time
	started      bool

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func New(cfg Config) *Channel {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Channel{
		cfg:   cfg,
		state: Disconnected,
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (c *Channel) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()
	go c.run()
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) run() {
	defer close(c.done)
	for {
		select {
		case <-c.quit:
			c.setState(Closed)
			return
		default:
		}

		c.setState(Connecting)
		conn, err := c.cfg.Dial()
		if err != nil {
			c.cfg.Logger.Warn("chat websocket connect failed, retrying", "error", err, "backoff", c.cfg.Backoff)
			c.setState(Disconnected)
			select {
			case <-time.After(c.cfg.Backoff):
				continue
			case <-c.quit:
				c.setState(Closed)
				return
			}
		}

		if !c.install(conn) {
			_ = conn.Close()
			c.setState(Closed)
			return
		}
		c.pump(conn)
		c.retire(conn)
	}
}

// install publishes the new connection. It fails if the channel was
// closed while the dial was in flight.
func (c *Channel) install(conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.quit:
		return false
	default:
	}
	c.conn = conn
	c.state = Open
	c.lastActivity = c.cfg.Now()
	return true
}

func (c *Channel) pump(conn Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.quit:
			default:
				c.cfg.Logger.Warn("chat websocket read failed, reconnecting", "error", err)
			}
			return
		}
		c.touch()
		if c.cfg.OnFrame != nil {
			c.cfg.OnFrame(frame)
		}
	}
}

// retire fully closes and forgets the old connection before the run
// loop dials a new one. At most one live connection exists at a time.
func (c *Channel) retire(conn Conn) {
	_ = conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	if c.state == Open {
		c.state = Disconnected
	}
	c.mu.Unlock()
}

func (c *Channel) touch() {
	c.mu.Lock()
	c.lastActivity = c.cfg.Now()
	c.mu.Unlock()
}

// CheckActivity force-closes the connection when no frame arrived
// within threshold, which recovers half-open connections the remote
// dropped without a close frame. The activity clock is reset on the
// forced close so one quiet period triggers exactly one recycle, not
// one per subsequent check.
func (c *Channel) CheckActivity(threshold time.Duration) {
	c.mu.Lock()
	if c.state != Open || c.cfg.Now().Sub(c.lastActivity) <= threshold {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.lastActivity = c.cfg.Now()
	c.mu.Unlock()

	c.cfg.Logger.Warn("no inbound chat activity, recycling websocket", "threshold", threshold)
	if conn != nil {
		_ = conn.Close()
	}
}

// Close shuts the channel down and suppresses the reconnect policy. It
// is idempotent and waits briefly for the run loop to finish.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = Closing
		conn := c.conn
		started := c.started
		close(c.quit)
		c.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}
		if !started {
			c.setState(Closed)
			return
		}
		select {
		case <-c.done:
		case <-time.After(5 * time.Second):
			c.cfg.Logger.Warn("chat websocket did not shut down in time")
		}
	})
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	// Closing is sticky: once a shutdown began, only Closed may follow.
	if c.state == Closing && s != Closed {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
}
