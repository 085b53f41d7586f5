package models

import (
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("room is closed")
)

// PresenceStaleAfter is how old a lastOnline value may be before peers
// treat the presence record as unreliable (missed disconnect events).
const PresenceStaleAfter = 30 * time.Second

// Message is a single chat message. Immutable once created; identity is ID,
// ordering is by Timestamp with ties broken by ID (log-assigned IDs are
// lexicographically monotonic).
type Message struct {
	ID         string `json:"id"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Text       string `json:"text"`
	Timestamp  int64  `json:"timestamp"` // server-assigned, milliseconds
}

// Less orders messages by (Timestamp, ID).
func (m Message) Less(other Message) bool {
	if m.Timestamp != other.Timestamp {
		return m.Timestamp < other.Timestamp
	}
	return m.ID < other.ID
}

// SortMessages sorts messages ascending by (Timestamp, ID).
func SortMessages(msgs []Message) {
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].Less(msgs[j])
	})
}

// RoomID derives the deterministic 1:1 room identifier for two users.
// Both participants compute the same value independently; it is never
// stored as its own record.
func RoomID(uidA, uidB string) string {
	ids := []string{uidA, uidB}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

// RoomerStatus is the state of a contact edge as seen by one side.
type RoomerStatus string

const (
	RoomerStatusPendingOutgoing RoomerStatus = "pending_outgoing"
	RoomerStatusPendingIncoming RoomerStatus = "pending_incoming"
	RoomerStatusAccepted        RoomerStatus = "accepted"
)

// Markers stored in a user's addedRoomers map.
const (
	EdgePending  = "pending"
	EdgeAccepted = "accepted"
)

// Profile is the public part of a user record.
type Profile struct {
	UID         string `json:"uid"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoURL"`
}

// Roomer is a resolved contact: profile details plus the relationship
// status from the current user's point of view.
type Roomer struct {
	UID         string       `json:"uid"`
	DisplayName string       `json:"displayName"`
	PhotoURL    string       `json:"photoURL"`
	Status      RoomerStatus `json:"status"`
}

// Presence is a user's most-recent-write-wins liveness record.
type Presence struct {
	ActiveRoom string `json:"activeRoom"`
	LastOnline int64  `json:"lastOnline"` // milliseconds
}

// Fresh reports whether the record is recent enough to trust. A stale
// record must be treated as "not viewing" regardless of ActiveRoom.
func (p Presence) Fresh(now time.Time) bool {
	return now.UnixMilli()-p.LastOnline <= PresenceStaleAfter.Milliseconds()
}

// Viewing reports whether the user is actively viewing roomID, applying
// the staleness rule.
func (p Presence) Viewing(roomID string, now time.Time) bool {
	return p.Fresh(now) && p.ActiveRoom == roomID
}
