package model

// Notification is a notifications/{id} document. Recipients holds group
// tags: "all", a role name, or a stage id. ReadBy grows append-only.
type Notification struct {
	ID         string   `json:"-"`
	Title      string   `json:"title"`
	Message    string   `json:"message"`
	SenderID   string   `json:"senderId"`
	SenderName string   `json:"senderName"`
	Recipients []string `json:"recipients"`
	Timestamp  Time     `json:"timestamp"`
	ReadBy     []string `json:"readBy"`
}

// UnreadFor reports whether uid has not read the notification.
func (n Notification) UnreadFor(uid string) bool {
	return !contains(n.ReadBy, uid)
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
