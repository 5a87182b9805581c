package chatexchange

import (
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"time"
)

// Kind identifies what happened in a room. It is a closed enumeration:
// decoding assigns it once and listener dispatch keys on it.
type Kind int

const (
	// MessagePosted is raised for every message posted by a user,
	// including replies and mentions. System-generated messages do not
	// raise it.
	MessagePosted Kind = iota + 1
	// MessageEdited is raised when a message is edited.
	MessageEdited
	// MessageReply is raised when a message replies to another message.
	// A corresponding MessagePosted or MessageEdited is raised as well.
	MessageReply
	// UserMentioned is raised when a message pings a user by name
	// without replying to a specific message.
	UserMentioned
	// UserEntered is raised when a user enters the room after having
	// left it or never been there.
	UserEntered
	// UserLeft is raised when a user leaves the room, explicitly or
	// through inactivity.
	UserLeft
	// MessageStarred is raised when a message is starred, unstarred,
	// pinned or unpinned.
	MessageStarred
	// MessageDeleted is raised when a message is deleted.
	MessageDeleted
	// Kicked is raised when a user is kicked out of the room. It is
	// synthesized from the correlation of two raw records, not a wire
	// record of its own.
	Kicked
)

func (k Kind) String() string {
	switch k {
	case MessagePosted:
		return "message_posted"
	case MessageEdited:
		return "message_edited"
	case MessageReply:
		return "message_reply"
	case UserMentioned:
		return "user_mentioned"
	case UserEntered:
		return "user_entered"
	case UserLeft:
		return "user_left"
	case MessageStarred:
		return "message_starred"
	case MessageDeleted:
		return "message_deleted"
	case Kicked:
		return "kicked"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// hasMessage reports whether events of this kind reference a message
// and resolve a snapshot of it at decode time.
func (k Kind) hasMessage() bool {
	switch k {
	case MessagePosted, MessageEdited, MessageReply, UserMentioned, MessageStarred, MessageDeleted:
		return true
	}
	return false
}

// Event is a single decoded room event. Kind determines which of the
// variant fields are meaningful; the envelope fields at the top are
// set on every event.
type Event struct {
	Kind Kind
	// Time is the instant the event occurred, UTC.
	Time time.Time
	// UserID is the acting user: 0 for anonymous actions, strictly
	// negative for system actions.
	UserID   int64
	UserName string
	RoomID   int64

	// MessageID and Message are set for message kinds. Message is the
	// snapshot resolved at decode time.
	MessageID int64
	Message   *Message
	// Content is the message HTML with entities unescaped.
	Content string

	// TargetUserID and ParentID are set for replies and mentions.
	// ParentID is 0 when the parent message could not be resolved.
	TargetUserID int64
	ParentID     int64

	// Starred and Pinned are set for MessageStarred events.
	Starred bool
	Pinned  bool

	// KickedUserID is the ejected user on Kicked events.
	KickedUserID int64
}

// wireRecord is the raw JSON shape of one event record. Absent fields
// decode to their zero values, never to an error.
type wireRecord struct {
	EventType           int    `json:"event_type"`
	TimeStamp           int64  `json:"time_stamp"`
	UserID              int64  `json:"user_id"`
	UserName            string `json:"user_name"`
	RoomID              int64  `json:"room_id"`
	MessageID           int64  `json:"message_id"`
	Content             string `json:"content"`
	TargetUserID        int64  `json:"target_user_id"`
	ParentID            int64  `json:"parent_id"`
	MessageStarred      bool   `json:"message_starred"`
	MessageOwnerStarred bool   `json:"message_owner_starred"`
}

const (
	wireUserLeft           = 4
	wireAccessLevelChanged = 15
)

// decodeFrame extracts the record batch addressed to roomID from one
// inbound frame and decodes it. Fetch resolves message snapshots; its
// failure drops the single affected event, not the batch.
func decodeFrame(frame []byte, roomID int64, fetch func(int64) (*Message, error), log *slog.Logger) []Event {
	var channels map[string]json.RawMessage
	if err := json.Unmarshal(frame, &channels); err != nil {
		log.Warn("discarding malformed chat frame", "error", err)
		return nil
	}
	raw, ok := channels[fmt.Sprintf("r%d", roomID)]
	if !ok {
		return nil
	}
	var payload struct {
		E []wireRecord `json:"e"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		log.Warn("discarding malformed event batch", "room", roomID, "error", err)
		return nil
	}
	return decodeRecords(payload.E, roomID, fetch, log)
}

func decodeRecords(records []wireRecord, roomID int64, fetch func(int64) (*Message, error), log *slog.Logger) []Event {
	if ev, ok := correlateKick(records); ok {
		return []Event{ev}
	}
	var out []Event
	for _, rec := range records {
		if rec.RoomID != roomID {
			continue
		}
		ev, ok := decodeRecord(rec)
		if !ok {
			continue
		}
		if ev.Kind.hasMessage() && fetch != nil {
			m, err := fetch(rec.MessageID)
			if err != nil {
				log.Warn("dropping event, message snapshot fetch failed",
					"kind", ev.Kind.String(), "message", rec.MessageID, "error", err)
				continue
			}
			ev.Message = m
		}
		out = append(out, ev)
	}
	return out
}

// correlateKick detects the kick pattern: a batch of exactly two
// records, one user-left and one access-level change. The access
// record supplies the timestamp and actor, the left record the ejected
// user.
func correlateKick(records []wireRecord) (Event, bool) {
	if len(records) != 2 {
		return Event{}, false
	}
	var left, access *wireRecord
	for i := range records {
		switch records[i].EventType {
		case wireUserLeft:
			left = &records[i]
		case wireAccessLevelChanged:
			access = &records[i]
		}
	}
	if left == nil || access == nil {
		return Event{}, false
	}
	return Event{
		Kind:         Kicked,
		Time:         time.Unix(access.TimeStamp, 0).UTC(),
		UserID:       access.UserID,
		UserName:     access.UserName,
		RoomID:       access.RoomID,
		KickedUserID: left.UserID,
	}, true
}

func decodeRecord(rec wireRecord) (Event, bool) {
	ev := Event{
		Time:      time.Unix(rec.TimeStamp, 0).UTC(),
		UserID:    rec.UserID,
		UserName:  rec.UserName,
		RoomID:    rec.RoomID,
		MessageID: rec.MessageID,
		Content:   html.UnescapeString(rec.Content),
	}
	switch rec.EventType {
	case 1:
		if rec.UserID <= 0 {
			// System-authored posts are not surfaced.
			return Event{}, false
		}
		ev.Kind = MessagePosted
	case 2:
		ev.Kind = MessageEdited
	case 3:
		ev.Kind = UserEntered
	case 4:
		ev.Kind = UserLeft
	case 6:
		ev.Kind = MessageStarred
		ev.Starred = rec.MessageStarred
		ev.Pinned = rec.MessageOwnerStarred
	case 8:
		ev.Kind = UserMentioned
		ev.TargetUserID = rec.TargetUserID
		ev.ParentID = rec.ParentID
	case 10:
		ev.Kind = MessageDeleted
	case 18:
		ev.Kind = MessageReply
		ev.TargetUserID = rec.TargetUserID
		ev.ParentID = rec.ParentID
	default:
		return Event{}, false
	}
	return ev, true
}
