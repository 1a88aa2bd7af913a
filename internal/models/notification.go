package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ID is an opaque notification identifier, stable across fetch and push.
// Servers emit it either as a JSON string or a JSON number.
type ID string

// UnmarshalJSON accepts both string and numeric identifiers
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("notification id: %w", err)
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("notification id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// Type classifies a notification. The set is closed; anything unrecognised
// decodes as TypeOther.
type Type string

// Notification type constants
const (
	TypeCommentReply    Type = "COMMENT_REPLY"
	TypeCommentApproved Type = "COMMENT_APPROVED"
	TypeCommentRejected Type = "COMMENT_REJECTED"
	TypePostPublished   Type = "POST_PUBLISHED"
	TypePostLiked       Type = "POST_LIKED"
	TypeUserInvited     Type = "USER_INVITED"
	TypeUserJoined      Type = "USER_JOINED"
	TypeOther           Type = "OTHER"
)

var knownTypes = map[Type]Group{
	TypeCommentReply:    GroupComment,
	TypeCommentApproved: GroupComment,
	TypeCommentRejected: GroupComment,
	TypePostPublished:   GroupPost,
	TypePostLiked:       GroupPost,
	TypeUserInvited:     GroupUser,
	TypeUserJoined:      GroupUser,
	TypeOther:           GroupOther,
}

// ParseType maps a wire value onto the closed set
func ParseType(s string) Type {
	t := Type(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := knownTypes[t]; ok {
		return t
	}
	return TypeOther
}

// UnmarshalText implements encoding.TextUnmarshaler
func (t *Type) UnmarshalText(text []byte) error {
	*t = ParseType(string(text))
	return nil
}

// Group is the presentation bucket a Type belongs to (icon and color selection).
type Group string

const (
	GroupComment Group = "comment"
	GroupPost    Group = "post"
	GroupUser    Group = "user"
	GroupOther   Group = "other"
)

// Group returns the bucket for t
func (t Type) Group() Group {
	if g, ok := knownTypes[t]; ok {
		return g
	}
	return GroupOther
}

// Notification is a server-created entry whose read state the client may change.
// ReadAt is non-nil exactly when Read is true.
type Notification struct {
	ID        ID         `json:"id"`
	Type      Type       `json:"type"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	CreatedAt time.Time  `json:"createdAt"`
	Read      bool       `json:"read"`
	ReadAt    *time.Time `json:"readAt"`
	ActionURL string     `json:"actionUrl,omitempty"`
}

type wireNotification struct {
	ID        ID              `json:"id"`
	Type      Type            `json:"type"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	CreatedAt json.RawMessage `json:"createdAt"`
	Read      bool            `json:"read"`
	ReadAt    json.RawMessage `json:"readAt"`
	ActionURL string          `json:"actionUrl"`
}

// UnmarshalJSON decodes a notification, tolerating zone-less and epoch timestamps
func (n *Notification) UnmarshalJSON(data []byte) error {
	var w wireNotification
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	createdAt, err := parseTime(w.CreatedAt)
	if err != nil {
		return fmt.Errorf("createdAt: %w", err)
	}
	readAt, err := parseTime(w.ReadAt)
	if err != nil {
		return fmt.Errorf("readAt: %w", err)
	}

	*n = Notification{
		ID:        w.ID,
		Type:      w.Type,
		Title:     w.Title,
		Message:   w.Message,
		CreatedAt: createdAt,
		Read:      w.Read,
		ActionURL: w.ActionURL,
	}
	if n.Type == "" {
		n.Type = TypeOther
	}
	if !readAt.IsZero() {
		n.ReadAt = &readAt
	}
	return nil
}

// MarkRead sets the read flag and its timestamp together
func (n *Notification) MarkRead(at time.Time) {
	n.Read = true
	n.ReadAt = &at
}

// Normalize restores the read/readAt pairing on data received from the server.
// A read entry without a timestamp is stamped with now.
func (n *Notification) Normalize(now time.Time) {
	if n.Type == "" {
		n.Type = TypeOther
	}
	switch {
	case n.Read && n.ReadAt == nil:
		n.ReadAt = &now
	case !n.Read:
		n.ReadAt = nil
	}
}

// Clone returns a copy that shares no pointers with n
func (n Notification) Clone() Notification {
	if n.ReadAt != nil {
		at := *n.ReadAt
		n.ReadAt = &at
	}
	return n
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func parseTime(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}

	if raw[0] != '"' {
		ms, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("unsupported timestamp %s", raw)
		}
		return time.UnixMilli(ms).UTC(), nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, err
	}
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp %q", s)
}
