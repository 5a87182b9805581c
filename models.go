package chatexchange

import "time"

// Message is a read-model snapshot of a chat message.
//
// PlainContent is the original markdown source, Content the rendered
// HTML. When the message is deleted and not visible to the caller (not
// their own, and they are not a room owner), User, PlainContent and
// Content are all absent together; that is the platform's visibility
// rule, not an error.
type Message struct {
	ID           int64
	User         *User
	PlainContent string
	Content      string
	Deleted      bool
	StarCount    int
	Pinned       bool
	EditCount    int
}

// User is a read-model snapshot of a chat user in the context of one
// room. Negative ids belong to system users (like feeds).
type User struct {
	ID         int64
	Name       string
	Reputation int
	Moderator  bool
	RoomOwner  bool
	// LastSeen and LastPost are zero when the user was never seen in
	// the room or never posted there.
	LastSeen time.Time
	LastPost time.Time
	// CurrentlyInRoom comes from the session's presence tracker, not
	// from the platform response.
	CurrentlyInRoom bool
}

// RoomThumbs is the descriptive metadata of a room: the text around
// its name rather than its live state.
type RoomThumbs struct {
	ID          int64
	Name        string
	Description string
	Favorite    bool
	Tags        []string
}
