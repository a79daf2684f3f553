package model

// ParticipantDetail is the denormalized display snapshot written at
// chat creation. It is the single source for display names; participant
// profiles are never re-fetched per render.
type ParticipantDetail struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// LastMessage is the denormalized tail of a chat.
type LastMessage struct {
	Text      string `json:"text"`
	Timestamp Time   `json:"timestamp"`
	SenderID  string `json:"senderId"`
}

// Chat is a chats/{id} document.
type Chat struct {
	ID                 string                       `json:"-"`
	Participants       []string                     `json:"participants"`
	ParticipantDetails map[string]ParticipantDetail `json:"participantDetails,omitempty"`
	LastMessage        *LastMessage                 `json:"lastMessage,omitempty"`
	ReadBy             []string                     `json:"readBy"`
	CreatedAt          Time                         `json:"createdAt"`
}

// UnreadFor reports whether the chat is unread for uid: the last
// message came from someone else and uid has not marked the chat read.
func (c Chat) UnreadFor(uid string) bool {
	return c.LastMessage != nil && c.LastMessage.SenderID != uid && !contains(c.ReadBy, uid)
}

// HasParticipant reports whether uid takes part in the chat.
func (c Chat) HasParticipant(uid string) bool {
	return contains(c.Participants, uid)
}

// OtherParticipant returns the participant that is not uid. Empty for
// chats uid does not take part in.
func (c Chat) OtherParticipant(uid string) string {
	for _, p := range c.Participants {
		if p != uid {
			return p
		}
	}
	return ""
}

// IsPair reports whether the chat is exactly the 1:1 chat between a and b.
func (c Chat) IsPair(a, b string) bool {
	return len(c.Participants) == 2 && c.HasParticipant(a) && c.HasParticipant(b)
}

// Message is a chats/{id}/messages/{id} document.
type Message struct {
	ID         string `json:"-"`
	Text       string `json:"text"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Timestamp  Time   `json:"timestamp"`
	Edited     bool   `json:"edited,omitempty"`
}
