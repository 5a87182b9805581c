package chatexchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/c-pro/geche"
	"github.com/gorilla/websocket"
	"github.com/h2non/filetype"

	"github.com/Tunaki/chatexchange/internal/chunk"
	"github.com/Tunaki/chatexchange/internal/dispatch"
	"github.com/Tunaki/chatexchange/internal/realtime"
	"github.com/Tunaki/chatexchange/internal/scraper"
	"github.com/Tunaki/chatexchange/internal/transport"
)

const successAck = "ok"

var tryAgainRe = regexp.MustCompile(`You can perform this action again in (\d+) seconds`)

// Room is one live chat room session. It owns the anti-forgery token,
// the realtime connection, the presence state and the per-room ordered
// command queue; all of them are torn down by Leave.
//
// Commands return a Future and are executed strictly in submission
// order, mirroring the platform's own per-room throttle. Read-model
// lookups (GetMessage, GetUser, ...) run synchronously on the calling
// goroutine.
type Room struct {
	host Host
	id   int64
	base string

	http *transport.Client
	opts *Options
	log  *slog.Logger

	queue    *dispatch.Queue
	channel  *realtime.Channel
	presence *presenceTracker

	users       geche.Geche[int64, *User]
	cancelUsers context.CancelFunc

	now   func() time.Time
	sleep func(time.Duration)

	mu      sync.RWMutex
	fkey    string
	hasLeft bool

	listenersMu sync.RWMutex
	listeners   map[Kind][]func(Event)
}

// newRoom joins the room: it eagerly retrieves the anti-forgery token
// and seeds presence from the room page, then starts the scheduler and
// the realtime channel. The session is ready when newRoom returns.
func newRoom(ctx context.Context, c *Client, host Host, roomID int64, base string) (*Room, error) {
	if base == "" {
		base = host.ChatURL()
	}
	cacheCtx, cancelUsers := context.WithCancel(context.Background())
	r := &Room{
		host:        host,
		id:          roomID,
		base:        base,
		http:        c.http,
		opts:        c.opts,
		log:         c.log,
		users:       geche.NewMapTTLCache[int64, *User](cacheCtx, c.opts.UserCacheTTL, time.Minute),
		cancelUsers: cancelUsers,
		now:         time.Now,
		sleep:       time.Sleep,
		listeners:   make(map[Kind][]func(Event)),
	}

	page, err := r.fetchRoomPage(ctx)
	if err != nil {
		cancelUsers()
		return nil, err
	}
	fk, err := scraper.FKey(page)
	if err != nil {
		cancelUsers()
		return nil, &ProtocolError{What: fmt.Sprintf("room %d page carries no anti-forgery token", roomID), Err: err}
	}
	r.fkey = fk
	r.presence = newPresenceTracker(scraper.PresentUserIDs(page))

	r.queue = dispatch.NewQueue()
	r.queue.Every(r.opts.TokenRefreshInterval, func() {
		if err := r.refreshFKey(context.Background()); err != nil {
			r.log.Warn("scheduled token refresh failed", "room", r.id, "error", err)
		}
	})
	r.queue.Every(r.opts.PingableRefreshInterval, func() {
		r.refreshPingable(context.Background())
	})
	_ = r.queue.Submit(func() { r.refreshPingable(context.Background()) })

	r.channel = realtime.New(realtime.Config{
		Dial:    r.dialWebsocket,
		OnFrame: r.handleFrame,
		Backoff: r.opts.ReconnectBackoff,
		Now:     func() time.Time { return r.now() },
		Logger:  r.log,
	})
	r.queue.Every(r.opts.WatchdogInterval, func() {
		r.channel.CheckActivity(r.opts.InactivityThreshold)
	})
	r.channel.Start()

	r.log.Debug("joined room", "host", host, "room", roomID)
	return r, nil
}

// ID returns the id of this room, unique only together with its host.
func (r *Room) ID() int64 { return r.id }

// Host returns the chat server this room lives on.
func (r *Room) Host() Host { return r.host }

// AddEventListener registers fn for events of the given kind. All
// listeners for a kind are invoked for every matching event, each on
// its own goroutine.
func (r *Room) AddEventListener(kind Kind, fn func(Event)) {
	r.listenersMu.Lock()
	r.listeners[kind] = append(r.listeners[kind], fn)
	r.listenersMu.Unlock()
}

// Send posts a message. Messages longer than the length limit are
// split into parts and posted in order; the future resolves with the
// id of the last part.
func (r *Room) Send(text string) *Future[int64] {
	return submitCommand(r, func(ctx context.Context) (int64, error) {
		return r.sendText(ctx, text)
	})
}

// ReplyTo posts a reply to the given message.
func (r *Room) ReplyTo(messageID int64, text string) *Future[int64] {
	return r.Send(fmt.Sprintf(":%d %s", messageID, text))
}

// Edit replaces the content of a message. When the edit window has
// already elapsed, the new text is posted as a fresh message instead,
// so the resolved id does not always equal messageID.
func (r *Room) Edit(messageID int64, text string) *Future[int64] {
	return submitCommand(r, func(ctx context.Context) (int64, error) {
		editable, err := r.isEditable(ctx, messageID)
		if err != nil {
			return 0, err
		}
		if !editable {
			r.log.Debug("edit window elapsed, posting as new message", "room", r.id, "message", messageID)
			return r.sendText(ctx, text)
		}
		if err := r.postAck(ctx, fmt.Sprintf("%s/messages/%d", r.base, messageID), "text", text); err != nil {
			return 0, err
		}
		return messageID, nil
	})
}

// Delete deletes a message.
func (r *Room) Delete(messageID int64) *Future[struct{}] {
	return r.ackCommand(fmt.Sprintf("%s/messages/%d/delete", r.base, messageID))
}

// ToggleStar stars the message if unstarred and unstars it otherwise.
func (r *Room) ToggleStar(messageID int64) *Future[struct{}] {
	return r.ackCommand(fmt.Sprintf("%s/messages/%d/star", r.base, messageID))
}

// TogglePin pins the message if unpinned and unpins it otherwise.
// Requires room-owner privileges.
func (r *Room) TogglePin(messageID int64) *Future[struct{}] {
	return r.ackCommand(fmt.Sprintf("%s/messages/%d/owner-star", r.base, messageID))
}

// UploadImage uploads an image and resolves with its public URL. The
// stream head is sniffed first; payloads that are not images fail with
// ErrNotAnImage without touching the platform.
func (r *Room) UploadImage(name string, data io.Reader) *Future[string] {
	return submitCommand(r, func(ctx context.Context) (string, error) {
		head := make([]byte, 261)
		n, err := io.ReadFull(data, head)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("chatexchange: reading upload stream: %w", err)
		}
		if !filetype.IsImage(head[:n]) {
			return "", ErrNotAnImage
		}
		u := r.base + "/upload/image"
		resp, err := r.http.PostFile(ctx, u, "filename", name, io.MultiReader(bytes.NewReader(head[:n]), data))
		if err != nil {
			return "", &TransportError{Op: "POST", URL: u, Err: err}
		}
		if !resp.OK() {
			return "", &CommandFailedError{Body: resp.Body}
		}
		url, err := scraper.UploadedURL(resp.Body)
		if err != nil {
			return "", &ProtocolError{What: "upload response carries no result URL", Err: err}
		}
		return url, nil
	})
}

// IsEditable reports whether the message is still inside the edit
// window. Lookup failures count as not editable.
func (r *Room) IsEditable(ctx context.Context, messageID int64) bool {
	editable, err := r.isEditable(ctx, messageID)
	if err != nil {
		r.log.Warn("editability check failed", "room", r.id, "message", messageID, "error", err)
		return false
	}
	return editable
}

func (r *Room) isEditable(ctx context.Context, messageID int64) (bool, error) {
	h, err := r.fetchHistory(ctx, messageID)
	if err != nil {
		return false, err
	}
	return r.now().UTC().Sub(h.Posted) < r.opts.EditWindow, nil
}

// Leave makes the current user leave the room and tears the session
// down: pending commands are flushed, the scheduler stops and the
// realtime connection is closed on every exit path. Calling Leave
// again is a no-op.
func (r *Room) Leave() error {
	r.mu.Lock()
	if r.hasLeft {
		r.mu.Unlock()
		return nil
	}
	r.hasLeft = true
	r.mu.Unlock()

	defer func() {
		if err := r.queue.Close(5 * time.Second); err != nil {
			r.log.Warn("room scheduler did not drain", "room", r.id, "error", err)
		}
		r.channel.Close()
		r.cancelUsers()
		r.log.Debug("left room", "host", r.host, "room", r.id)
	}()

	f := newFuture[struct{}]()
	err := r.queue.Submit(func() {
		f.resolve(struct{}{}, r.postAck(context.Background(),
			fmt.Sprintf("%s/chats/leave/%d", r.base, r.id), "quiet", "true"))
	})
	if err != nil {
		return err
	}
	_, err = f.Wait()
	return err
}

func (r *Room) closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hasLeft
}

// submitCommand enqueues fn on the room's ordered queue and exposes
// its result as a Future. Commands on a left room fail fast.
func submitCommand[T any](r *Room, fn func(context.Context) (T, error)) *Future[T] {
	f := newFuture[T]()
	if r.closed() {
		f.fail(ErrClosed)
		return f
	}
	err := r.queue.Submit(func() {
		v, err := fn(context.Background())
		f.resolve(v, err)
	})
	if err != nil {
		f.fail(ErrClosed)
	}
	return f
}

func (r *Room) ackCommand(url string) *Future[struct{}] {
	return submitCommand(r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.postAck(ctx, url)
	})
}

func (r *Room) sendText(ctx context.Context, text string) (int64, error) {
	parts, err := chunk.Split(text, r.opts.MaxMessageLength)
	if err != nil {
		return 0, ErrMessageTooLong
	}
	var id int64
	for _, part := range parts {
		id, err = r.postNewMessage(ctx, part)
		if err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (r *Room) postNewMessage(ctx context.Context, text string) (int64, error) {
	body, err := r.post(ctx, fmt.Sprintf("%s/chats/%d/messages/new", r.base, r.id), "text", text)
	if err != nil {
		return 0, err
	}
	var res struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(body, &res); err != nil || res.ID == 0 {
		return 0, &CommandFailedError{Body: string(body)}
	}
	r.log.Debug("message posted", "room", r.id, "message", res.ID)
	return res.ID, nil
}

// post issues a form POST with the current token appended as a
// trailing field. Throttle responses are retried with a fresh token
// snapshot until the retry budget runs out.
func (r *Room) post(ctx context.Context, url string, fields ...string) ([]byte, error) {
	retries := r.opts.ThrottleRetries
	for {
		withFKey := append(append([]string(nil), fields...), "fkey", r.currentFKey())
		resp, err := r.http.Post(ctx, url, withFKey...)
		if err != nil {
			return nil, &TransportError{Op: "POST", URL: url, Err: err}
		}
		if resp.OK() {
			return []byte(resp.Body), nil
		}
		if m := tryAgainRe.FindStringSubmatch(resp.Body); m != nil && retries > 0 {
			seconds, _ := strconv.Atoi(m[1])
			r.log.Debug("throttled", "url", url, "seconds", seconds, "retries_left", retries)
			retries--
			r.sleep(time.Duration(seconds) * time.Second)
			continue
		}
		return nil, &CommandFailedError{Body: resp.Body}
	}
}

// postAck posts a command whose success is the textual acknowledgement
// "ok"; anything else is a command failure.
func (r *Room) postAck(ctx context.Context, url string, fields ...string) error {
	body, err := r.post(ctx, url, fields...)
	if err != nil {
		return err
	}
	var ack string
	if err := json.Unmarshal(body, &ack); err != nil || ack != successAck {
		return &CommandFailedError{Body: string(body)}
	}
	return nil
}

func (r *Room) currentFKey() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fkey
}

func (r *Room) fetchRoomPage(ctx context.Context) (string, error) {
	u := fmt.Sprintf("%s/rooms/%d", r.base, r.id)
	resp, err := r.http.Get(ctx, u)
	if err != nil {
		return "", &TransportError{Op: "GET", URL: u, Err: err}
	}
	if !resp.OK() {
		return "", &ProtocolError{What: fmt.Sprintf("room %d page returned status %d", r.id, resp.StatusCode)}
	}
	return resp.Body, nil
}

// refreshFKey replaces the stored token wholly; readers observe either
// the old or the new value.
func (r *Room) refreshFKey(ctx context.Context) error {
	page, err := r.fetchRoomPage(ctx)
	if err != nil {
		return err
	}
	fk, err := scraper.FKey(page)
	if err != nil {
		return &ProtocolError{What: fmt.Sprintf("room %d page carries no anti-forgery token", r.id), Err: err}
	}
	r.mu.Lock()
	r.fkey = fk
	r.mu.Unlock()
	r.log.Debug("anti-forgery token refreshed", "room", r.id)
	return nil
}

// dialWebsocket performs the realtime handshake: a connection ticket
// from ws-auth, a starting sequence marker from the events endpoint,
// then the upgrade with an Origin matching the room's HTTP origin.
func (r *Room) dialWebsocket() (realtime.Conn, error) {
	ctx := context.Background()

	body, err := r.post(ctx, r.base+"/ws-auth", "roomid", strconv.FormatInt(r.id, 10))
	if err != nil {
		return nil, err
	}
	var auth struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &auth); err != nil || auth.URL == "" {
		return nil, &ProtocolError{What: "ws-auth response carries no connection URL"}
	}

	body, err = r.post(ctx, fmt.Sprintf("%s/chats/%d/events", r.base, r.id))
	if err != nil {
		return nil, err
	}
	var events struct {
		Time json.Number `json:"time"`
	}
	if err := json.Unmarshal(body, &events); err != nil || events.Time == "" {
		return nil, &ProtocolError{What: "events response carries no sequence marker"}
	}

	wsURL := fmt.Sprintf("%s?l=%s", auth.URL, events.Time)
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := http.Header{}
	header.Set("Origin", r.base)
	conn, _, err := dialer.Dial(wsURL, header)
	if err != nil {
		return nil, &TransportError{Op: "DIAL", URL: wsURL, Err: err}
	}
	r.log.Debug("realtime channel connected", "room", r.id)
	return conn, nil
}

// handleFrame runs on the channel's pump goroutine: decode, update
// presence, fan out to listeners.
func (r *Room) handleFrame(frame []byte) {
	events := decodeFrame(frame, r.id, func(id int64) (*Message, error) {
		return r.GetMessage(context.Background(), id)
	}, r.log)
	for _, ev := range events {
		switch ev.Kind {
		case UserEntered:
			r.presence.add(ev.UserID)
		case UserLeft:
			r.presence.remove(ev.UserID)
		case Kicked:
			r.presence.remove(ev.KickedUserID)
		}
		r.dispatchEvent(ev)
	}
}

// dispatchEvent hands the event to every registered listener, each on
// its own goroutine so a slow listener cannot stall the frame pump. A
// panicking listener is reported and does not affect its siblings.
func (r *Room) dispatchEvent(ev Event) {
	r.listenersMu.RLock()
	fns := append(([]func(Event))(nil), r.listeners[ev.Kind]...)
	r.listenersMu.RUnlock()
	for _, fn := range fns {
		fn := fn
		go func() {
			defer func() {
				if p := recover(); p != nil {
					r.log.Warn("event listener panicked", "room", r.id, "kind", ev.Kind.String(), "panic", p)
				}
			}()
			fn(ev)
		}()
	}
}
