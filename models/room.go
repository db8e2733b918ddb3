package models

// UserStatus is a user's presence.
type UserStatus string

const (
	UserOnline  UserStatus = "online"
	UserOffline UserStatus = "offline"
	UserBusy    UserStatus = "busy"
)

// User identifies a chat participant.
type User struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Avatar string     `json:"avatar,omitempty"`
	Status UserStatus `json:"status,omitempty"`
}

// RoomType distinguishes one-to-one rooms from group rooms.
type RoomType string

const (
	RoomDirect RoomType = "direct"
	RoomGroup  RoomType = "group"
)

// Room is a conversation with an ordered participant list.
type Room struct {
	ID           string   `json:"id"`
	Type         RoomType `json:"type"`
	Name         string   `json:"name"`
	Participants []User   `json:"participants"`
	LastMessage  *Message `json:"lastMessage,omitempty"`
	UnreadCount  *int     `json:"unreadCount,omitempty"`
}

// HasParticipant reports whether userID is a member of the room.
func (r Room) HasParticipant(userID string) bool {
	for _, participant := range r.Participants {
		if participant.ID == userID {
			return true
		}
	}
	return false
}
