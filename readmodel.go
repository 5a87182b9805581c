package chatexchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Tunaki/chatexchange/internal/scraper"
	"github.com/Tunaki/chatexchange/internal/transport"
)

// GetMessage retrieves a snapshot of the message with the given id.
//
// When the message is deleted and not visible to the current user, the
// platform answers 404 and a placeholder with only ID and Deleted set
// is returned; that is the visibility rule, not an error.
func (r *Room) GetMessage(ctx context.Context, messageID int64) (*Message, error) {
	u := fmt.Sprintf("%s/message/%d", r.base, messageID)

	plain, notFound, err := r.getMessageContent(ctx, u, true)
	if err != nil {
		return nil, err
	}
	if notFound {
		return &Message{ID: messageID, Deleted: true}, nil
	}
	rendered, notFound, err := r.getMessageContent(ctx, u, false)
	if err != nil {
		return nil, err
	}
	if notFound {
		return &Message{ID: messageID, Deleted: true}, nil
	}

	hist, err := r.fetchHistory(ctx, messageID)
	if err != nil {
		if err == errMessageNotFound {
			return &Message{ID: messageID, Deleted: true}, nil
		}
		return nil, err
	}
	user, err := r.GetUser(ctx, hist.AuthorID)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:           messageID,
		User:         user,
		PlainContent: plain,
		Content:      rendered,
		Deleted:      hist.Deleted,
		StarCount:    hist.StarCount,
		Pinned:       hist.Pinned,
		EditCount:    hist.EditCount,
	}, nil
}

func (r *Room) getMessageContent(ctx context.Context, url string, plain bool) (string, bool, error) {
	resp, err := r.get(ctx, url, "fkey", r.currentFKey(), "plain", strconv.FormatBool(plain))
	if err != nil {
		return "", false, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return "", true, nil
	}
	if !resp.OK() {
		return "", false, &ProtocolError{What: fmt.Sprintf("message fetch returned status %d", resp.StatusCode)}
	}
	return resp.Body, false, nil
}

// errMessageNotFound flags a 404 on the history page internally; it
// never escapes the read model.
var errMessageNotFound = &ProtocolError{What: "message not found"}

func (r *Room) fetchHistory(ctx context.Context, messageID int64) (*scraper.History, error) {
	u := fmt.Sprintf("%s/messages/%d/history", r.base, messageID)
	resp, err := r.get(ctx, u, "fkey", r.currentFKey())
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, errMessageNotFound
	}
	if !resp.OK() {
		return nil, &ProtocolError{What: fmt.Sprintf("message history returned status %d", resp.StatusCode)}
	}
	h, err := scraper.ParseHistory(resp.Body, r.now())
	if err != nil {
		return nil, &ProtocolError{What: "malformed message history page", Err: err}
	}
	return h, nil
}

// GetUser retrieves a snapshot of the user with the given id in the
// context of this room. Snapshots are cached briefly; the
// CurrentlyInRoom flag always reflects the live presence set.
func (r *Room) GetUser(ctx context.Context, userID int64) (*User, error) {
	if cached, err := r.users.Get(userID); err == nil {
		u := *cached
		u.CurrentlyInRoom = r.presence.contains(userID)
		return &u, nil
	}
	users, err := r.fetchUsers(ctx, []int64{userID})
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, &ProtocolError{What: fmt.Sprintf("user %d not known to room %d", userID, r.id)}
	}
	return users[0], nil
}

// GetCurrentUsers resolves the live presence set to user snapshots in
// one batched lookup.
func (r *Room) GetCurrentUsers(ctx context.Context) ([]*User, error) {
	return r.fetchUsers(ctx, r.presence.currentIDs())
}

// GetPingableUsers resolves the pingable id list, which covers roughly
// the users active in the last 14 days. It is refreshed on its own
// long schedule and may legitimately disagree with GetCurrentUsers.
func (r *Room) GetPingableUsers(ctx context.Context) ([]*User, error) {
	ids, loaded := r.presence.pingableIDs()
	if !loaded {
		var err error
		ids, err = r.fetchPingableIDs(ctx)
		if err != nil {
			return nil, err
		}
		r.presence.setPingable(ids)
	}
	return r.fetchUsers(ctx, ids)
}

// GetThumbs retrieves the room's descriptive metadata.
func (r *Room) GetThumbs(ctx context.Context) (*RoomThumbs, error) {
	u := fmt.Sprintf("%s/rooms/thumbs/%d", r.base, r.id)
	resp, err := r.get(ctx, u)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, &ProtocolError{What: fmt.Sprintf("room thumbs returned status %d", resp.StatusCode)}
	}
	var w struct {
		ID          int64  `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description"`
		IsFavorite  bool   `json:"isFavorite"`
		Tags        string `json:"tags"`
	}
	if err := json.Unmarshal([]byte(resp.Body), &w); err != nil {
		return nil, &ProtocolError{What: "malformed room thumbs response", Err: err}
	}
	return &RoomThumbs{
		ID:          w.ID,
		Name:        w.Name,
		Description: w.Description,
		Favorite:    w.IsFavorite,
		Tags:        scraper.TagNames(w.Tags),
	}, nil
}

// fetchUsers resolves ids to User snapshots with a single batched
// lookup, refreshing the cache on the way.
func (r *Room) fetchUsers(ctx context.Context, ids []int64) ([]*User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = strconv.FormatInt(id, 10)
	}
	body, err := r.post(ctx, r.base+"/user/info",
		"ids", strings.Join(strs, ","),
		"roomId", strconv.FormatInt(r.id, 10))
	if err != nil {
		return nil, err
	}
	var payload struct {
		Users []struct {
			ID          int64  `json:"id"`
			Name        string `json:"name"`
			Reputation  int    `json:"reputation"`
			IsModerator *bool  `json:"is_moderator"`
			IsOwner     *bool  `json:"is_owner"`
			LastSeen    int64  `json:"last_seen"`
			LastPost    int64  `json:"last_post"`
		} `json:"users"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &ProtocolError{What: "malformed user info response", Err: err}
	}
	now := r.now().UTC()
	out := make([]*User, 0, len(payload.Users))
	for _, w := range payload.Users {
		u := &User{
			ID:         w.ID,
			Name:       w.Name,
			Reputation: w.Reputation,
			Moderator:  w.IsModerator != nil && *w.IsModerator,
			RoomOwner:  w.IsOwner != nil && *w.IsOwner,
		}
		// last_seen and last_post arrive as seconds ago, not instants.
		if w.LastSeen > 0 {
			u.LastSeen = now.Add(-time.Duration(w.LastSeen) * time.Second)
		}
		if w.LastPost > 0 {
			u.LastPost = now.Add(-time.Duration(w.LastPost) * time.Second)
		}
		r.users.Set(w.ID, u)

		snapshot := *u
		snapshot.CurrentlyInRoom = r.presence.contains(w.ID)
		out = append(out, &snapshot)
	}
	return out, nil
}

func (r *Room) fetchPingableIDs(ctx context.Context) ([]int64, error) {
	u := fmt.Sprintf("%s/rooms/pingable/%d", r.base, r.id)
	resp, err := r.get(ctx, u)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, &ProtocolError{What: fmt.Sprintf("pingable users returned status %d", resp.StatusCode)}
	}
	var rows [][]json.RawMessage
	if err := json.Unmarshal([]byte(resp.Body), &rows); err != nil {
		return nil, &ProtocolError{What: "malformed pingable users response", Err: err}
	}
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		var id int64
		if err := json.Unmarshal(row[0], &id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *Room) refreshPingable(ctx context.Context) {
	ids, err := r.fetchPingableIDs(ctx)
	if err != nil {
		r.log.Warn("pingable user refresh failed", "room", r.id, "error", err)
		return
	}
	r.presence.setPingable(ids)
}

func (r *Room) get(ctx context.Context, url string, params ...string) (*transport.Response, error) {
	resp, err := r.http.Get(ctx, url, params...)
	if err != nil {
		return nil, &TransportError{Op: "GET", URL: url, Err: err}
	}
	return resp, nil
}
