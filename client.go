// Package chatexchange is a client for the Stack Exchange chat
// network. A Client authenticates once per host; rooms joined through
// it each own a live session with ordered commands and typed events.
package chatexchange

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Tunaki/chatexchange/internal/scraper"
	"github.com/Tunaki/chatexchange/internal/transport"
)

// Options tunes a Client. The zero value of every field selects the
// default noted on it.
type Options struct {
	// UserAgent sent with every request. Default "Mozilla/5.0
	// (compatible; chatexchange)".
	UserAgent string
	// HTTPTimeout bounds every single request. Default 30s.
	HTTPTimeout time.Duration
	// TokenRefreshInterval is the schedule of the anti-forgery token
	// refresh. Default 1h.
	TokenRefreshInterval time.Duration
	// PingableRefreshInterval is the schedule of the pingable user list
	// refresh. Default 24h.
	PingableRefreshInterval time.Duration
	// UserCacheTTL bounds how long user snapshots are served from
	// cache. Default 5m.
	UserCacheTTL time.Duration
	// WatchdogInterval is how often inbound activity is checked.
	// Default 30s.
	WatchdogInterval time.Duration
	// InactivityThreshold is the quiet period after which the realtime
	// connection is recycled. Default 30s.
	InactivityThreshold time.Duration
	// ReconnectBackoff is the fixed delay between failed connection
	// attempts. Default 1m.
	ReconnectBackoff time.Duration
	// ThrottleRetries is the retry budget for throttled commands.
	// Default 5.
	ThrottleRetries int
	// MaxMessageLength is the single-message length limit. Default 500.
	MaxMessageLength int
	// EditWindow is how long after posting a message stays editable.
	// Default 115s.
	EditWindow time.Duration
	// Logger receives debug protocol traffic and warnings about
	// swallowed best-effort failures. Default discards everything.
	Logger *slog.Logger
}

func (o *Options) withDefaults() *Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.UserAgent == "" {
		out.UserAgent = "Mozilla/5.0 (compatible; chatexchange)"
	}
	if out.HTTPTimeout == 0 {
		out.HTTPTimeout = 30 * time.Second
	}
	if out.TokenRefreshInterval == 0 {
		out.TokenRefreshInterval = time.Hour
	}
	if out.PingableRefreshInterval == 0 {
		out.PingableRefreshInterval = 24 * time.Hour
	}
	if out.UserCacheTTL == 0 {
		out.UserCacheTTL = 5 * time.Minute
	}
	if out.WatchdogInterval == 0 {
		out.WatchdogInterval = 30 * time.Second
	}
	if out.InactivityThreshold == 0 {
		out.InactivityThreshold = 30 * time.Second
	}
	if out.ReconnectBackoff == 0 {
		out.ReconnectBackoff = time.Minute
	}
	if out.ThrottleRetries == 0 {
		out.ThrottleRetries = 5
	}
	if out.MaxMessageLength == 0 {
		out.MaxMessageLength = 500
	}
	if out.EditWindow == 0 {
		out.EditWindow = 115 * time.Second
	}
	if out.Logger == nil {
		out.Logger = slog.New(slog.DiscardHandler)
	}
	return &out
}

// Client holds the authenticated cookie store and the rooms joined
// with it. Cookies, tokens and presence are all client- or
// room-scoped; two clients never share state.
type roomKey struct {
	host Host
	id   int64
}

type Client struct {
	email    string
	password string
	opts     *Options
	http     *transport.Client
	log      *slog.Logger

	// chatBase overrides the chat server origin; tests point it at a
	// local server.
	chatBase string

	mu       sync.Mutex
	rooms    []*Room
	joining  map[roomKey]struct{}
	loggedIn map[Host]bool
}

// NewClient creates a client for the given credentials. No network
// traffic happens until the first JoinRoom.
func NewClient(email, password string, opts *Options) (*Client, error) {
	o := opts.withDefaults()
	tr, err := transport.New(o.HTTPTimeout, o.UserAgent)
	if err != nil {
		return nil, err
	}
	return &Client{
		email:    email,
		password: password,
		opts:     o,
		http:     tr,
		log:      o.Logger,
		joining:  make(map[roomKey]struct{}),
		loggedIn: make(map[Host]bool),
	}, nil
}

// JoinRoom logs in to the host if needed and joins the given room.
// Joining a room this client is already in fails with
// ErrAlreadyMember.
func (c *Client) JoinRoom(ctx context.Context, host Host, roomID int64) (*Room, error) {
	key := roomKey{host: host, id: roomID}

	// Reserve the slot before any network traffic, so two concurrent
	// joins of the same room cannot both pass the membership check.
	c.mu.Lock()
	for _, r := range c.rooms {
		if r.host == host && r.id == roomID && !r.closed() {
			c.mu.Unlock()
			return nil, ErrAlreadyMember
		}
	}
	if _, ok := c.joining[key]; ok {
		c.mu.Unlock()
		return nil, ErrAlreadyMember
	}
	c.joining[key] = struct{}{}
	needLogin := !c.loggedIn[host]
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.joining, key)
		c.mu.Unlock()
	}()

	if needLogin {
		if err := c.login(ctx, host.BaseURL()); err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.loggedIn[host] = true
		c.mu.Unlock()
	}

	room, err := newRoom(ctx, c, host, roomID, c.chatBase)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.rooms = append(c.rooms, room)
	c.mu.Unlock()
	return room, nil
}

// login submits the credentials to the host's login form and verifies
// the session by fetching the current user page.
func (c *Client) login(ctx context.Context, base string) error {
	loginURL := base + "/users/login"
	resp, err := c.http.Get(ctx, loginURL)
	if err != nil {
		return &TransportError{Op: "GET", URL: loginURL, Err: err}
	}
	fk, err := scraper.InputValue(resp.Body, "fkey")
	if err != nil {
		return &ProtocolError{What: "login form carries no fkey", Err: err}
	}

	if _, err := c.http.Post(ctx, loginURL, "email", c.email, "password", c.password, "fkey", fk); err != nil {
		return &TransportError{Op: "POST", URL: loginURL, Err: err}
	}

	currentURL := base + "/users/current"
	resp, err = c.http.Get(ctx, currentURL)
	if err != nil {
		return &TransportError{Op: "GET", URL: currentURL, Err: err}
	}
	if !resp.OK() || !scraper.HasClass(resp.Body, "my-profile") {
		return &ProtocolError{What: "login was not accepted by " + base}
	}
	c.log.Debug("logged in", "host", base)
	return nil
}

// Close leaves every room joined with this client, in parallel, and
// returns the first leave error.
func (c *Client) Close() error {
	c.mu.Lock()
	rooms := append([]*Room(nil), c.rooms...)
	c.mu.Unlock()

	var g errgroup.Group
	for _, room := range rooms {
		g.Go(room.Leave)
	}
	return g.Wait()
}
