// Package chat implements 1:1 messaging between teachers and students
// with per-chat unread tracking. Unread state lives on the chat
// document itself: the last-message tail plus a readBy set, reset to
// just the sender on every send.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/mahmoudgadmostafa/al-madrasa/internal/logger"
	"github.com/mahmoudgadmostafa/al-madrasa/internal/model"
	"github.com/mahmoudgadmostafa/al-madrasa/internal/store"
)

var (
	// ErrNotParticipant rejects access to a chat the viewer is not part
	// of. Admins bypass it.
	ErrNotParticipant = errors.New("not a chat participant")
	// ErrEmptyMessage rejects sending a blank message.
	ErrEmptyMessage = errors.New("empty message")
)

// Snapshot is one consistent view of a viewer's chat list. UnreadCount
// is the number of chats with an unread last message, not a per-message
// total.
type Snapshot struct {
	Chats       []model.Chat `json:"chats"`
	UnreadCount int          `json:"unreadCount"`
}

// Service reads and mutates the chats collection and its message
// sub-collections.
type Service struct {
	store store.Store
	log   *logger.Logger
}

func NewService(st store.Store, log *logger.Logger) *Service {
	return &Service{store: st, log: log}
}

// chatsQuery lists every chat for admins and only the viewer's own
// chats otherwise, newest activity first.
func (s *Service) chatsQuery(viewer model.UserProfile) store.Query {
	q := store.Query{
		Collection: model.CollectionChats,
		OrderBy:    "lastMessage.timestamp",
		Desc:       true,
	}
	if viewer.Role != model.RoleAdmin {
		q.Filters = []store.Filter{{
			Field: "participants",
			Op:    store.OpArrayContains,
			Value: viewer.UID,
		}}
	}
	return q
}

// ListChats returns the viewer's current chat list.
func (s *Service) ListChats(ctx context.Context, viewer model.UserProfile) (Snapshot, error) {
	docs, err := s.store.Find(ctx, s.chatsQuery(viewer))
	if err != nil {
		return Snapshot{}, fmt.Errorf("list chats: %w", err)
	}
	return s.snapshot(docs, viewer.UID), nil
}

// SubscribeChats streams a fresh Snapshot on every change to the
// viewer's chat list, starting with the current state.
func (s *Service) SubscribeChats(ctx context.Context, viewer model.UserProfile) (<-chan Snapshot, store.UnsubscribeFunc, error) {
	events, stop, err := s.store.Watch(ctx, s.chatsQuery(viewer))
	if err != nil {
		return nil, nil, fmt.Errorf("watch chats: %w", err)
	}

	out := make(chan Snapshot, 1)
	go func() {
		defer close(out)
		for ev := range events {
			if ev.Err != nil {
				s.log.Error("chat list event", "uid", viewer.UID, "error", ev.Err)
				continue
			}
			snap := s.snapshot(ev.Docs, viewer.UID)
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, stop, nil
}

func (s *Service) snapshot(docs []store.Document, uid string) Snapshot {
	snap := Snapshot{Chats: make([]model.Chat, 0, len(docs))}
	for _, doc := range docs {
		var c model.Chat
		if err := model.FromDoc(doc.Data, &c); err != nil {
			s.log.Error("decode chat", "id", doc.ID, "error", err)
			continue
		}
		c.ID = doc.ID
		snap.Chats = append(snap.Chats, c)
		if c.UnreadFor(uid) {
			snap.UnreadCount++
		}
	}
	return snap
}

// pairID derives the canonical chat document id for a 1:1 pair. Both
// orderings map to the same id, so concurrent creations for the same
// pair land on one document instead of racing a find-then-create.
func pairID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "_" + b
}

// CreateOrReuseChat returns the existing 1:1 chat between the two users
// or creates it. Repeated calls for the same pair always converge on
// one chat.
func (s *Service) CreateOrReuseChat(ctx context.Context, a, b model.UserProfile) (model.Chat, error) {
	id := pairID(a.UID, b.UID)
	doc, err := s.store.Get(ctx, model.CollectionChats, id)
	if err == nil {
		var c model.Chat
		if err := model.FromDoc(doc.Data, &c); err != nil {
			return model.Chat{}, fmt.Errorf("decode chat: %w", err)
		}
		c.ID = id
		return c, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return model.Chat{}, fmt.Errorf("find chat: %w", err)
	}

	c := model.Chat{
		ID:           id,
		Participants: []string{a.UID, b.UID},
		ParticipantDetails: map[string]model.ParticipantDetail{
			a.UID: {Name: a.Name, Role: a.Role},
			b.UID: {Name: b.Name, Role: b.Role},
		},
		ReadBy:    []string{},
		CreatedAt: model.Now(),
	}
	data, err := model.ToDoc(c)
	if err != nil {
		return model.Chat{}, err
	}
	if err := s.store.Set(ctx, model.CollectionChats, c.ID, data, false); err != nil {
		return model.Chat{}, fmt.Errorf("create chat: %w", err)
	}
	return c, nil
}

// getChat loads a chat and enforces membership. Admins may access any
// chat.
func (s *Service) getChat(ctx context.Context, viewer model.UserProfile, chatID string) (model.Chat, error) {
	doc, err := s.store.Get(ctx, model.CollectionChats, chatID)
	if err != nil {
		return model.Chat{}, fmt.Errorf("chat %s: %w", chatID, err)
	}
	var c model.Chat
	if err := model.FromDoc(doc.Data, &c); err != nil {
		return model.Chat{}, fmt.Errorf("decode chat %s: %w", chatID, err)
	}
	c.ID = doc.ID
	if viewer.Role != model.RoleAdmin && !c.HasParticipant(viewer.UID) {
		return model.Chat{}, ErrNotParticipant
	}
	return c, nil
}

// OpenChat marks the chat read for the viewer and returns it together
// with its full message history, oldest first. Opening an unknown chat
// id reports not-found.
func (s *Service) OpenChat(ctx context.Context, viewer model.UserProfile, chatID string) (model.Chat, []model.Message, error) {
	c, err := s.getChat(ctx, viewer, chatID)
	if err != nil {
		return model.Chat{}, nil, err
	}
	if err := s.markRead(ctx, c, viewer.UID); err != nil {
		return model.Chat{}, nil, err
	}

	msgs, err := s.Messages(ctx, viewer, chatID)
	if err != nil {
		return model.Chat{}, nil, err
	}
	return c, msgs, nil
}

// Messages returns a chat's messages oldest first.
func (s *Service) Messages(ctx context.Context, viewer model.UserProfile, chatID string) ([]model.Message, error) {
	if _, err := s.getChat(ctx, viewer, chatID); err != nil {
		return nil, err
	}
	docs, err := s.store.Find(ctx, store.Query{
		Collection: model.MessagesCollection(chatID),
		OrderBy:    "timestamp",
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	msgs := make([]model.Message, 0, len(docs))
	for _, doc := range docs {
		var m model.Message
		if err := model.FromDoc(doc.Data, &m); err != nil {
			s.log.Error("decode message", "chat", chatID, "id", doc.ID, "error", err)
			continue
		}
		m.ID = doc.ID
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// SubscribeMessages streams the chat's message history, oldest first,
// re-emitted on every change.
func (s *Service) SubscribeMessages(ctx context.Context, viewer model.UserProfile, chatID string) (<-chan []model.Message, store.UnsubscribeFunc, error) {
	if _, err := s.getChat(ctx, viewer, chatID); err != nil {
		return nil, nil, err
	}
	events, stop, err := s.store.Watch(ctx, store.Query{
		Collection: model.MessagesCollection(chatID),
		OrderBy:    "timestamp",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("watch messages: %w", err)
	}

	out := make(chan []model.Message, 1)
	go func() {
		defer close(out)
		for ev := range events {
			if ev.Err != nil {
				s.log.Error("message stream event", "chat", chatID, "error", ev.Err)
				continue
			}
			msgs := make([]model.Message, 0, len(ev.Docs))
			for _, doc := range ev.Docs {
				var m model.Message
				if err := model.FromDoc(doc.Data, &m); err != nil {
					continue
				}
				m.ID = doc.ID
				msgs = append(msgs, m)
			}
			select {
			case out <- msgs:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, stop, nil
}

// MarkChatRead adds the viewer to the chat's read set. Reading an
// already-read chat is a no-op.
func (s *Service) MarkChatRead(ctx context.Context, viewer model.UserProfile, chatID string) error {
	c, err := s.getChat(ctx, viewer, chatID)
	if err != nil {
		return err
	}
	return s.markRead(ctx, c, viewer.UID)
}

func (s *Service) markRead(ctx context.Context, c model.Chat, uid string) error {
	if !c.UnreadFor(uid) {
		return nil
	}
	readBy := append(c.ReadBy, uid)
	if err := s.store.Set(ctx, model.CollectionChats, c.ID, map[string]any{"readBy": readBy}, true); err != nil {
		return fmt.Errorf("mark chat read: %w", err)
	}
	return nil
}

// SendMessage appends a message and updates the chat tail in one atomic
// batch: lastMessage points at the new message and the read set resets
// to just the sender, so the chat flips to unread for everyone else in
// the same commit.
func (s *Service) SendMessage(ctx context.Context, sender model.UserProfile, chatID, text string) (model.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return model.Message{}, ErrEmptyMessage
	}
	if _, err := s.getChat(ctx, sender, chatID); err != nil {
		return model.Message{}, err
	}

	m := model.Message{
		ID:         uuid.NewString(),
		Text:       text,
		SenderID:   sender.UID,
		SenderName: sender.Name,
		Timestamp:  model.Now(),
	}
	msgDoc, err := model.ToDoc(m)
	if err != nil {
		return model.Message{}, err
	}
	tail, err := model.ToDoc(model.LastMessage{
		Text:      m.Text,
		Timestamp: m.Timestamp,
		SenderID:  m.SenderID,
	})
	if err != nil {
		return model.Message{}, err
	}

	ops := []store.Op{
		store.SetOp(model.MessagesCollection(chatID), m.ID, msgDoc),
		store.MergeOp(model.CollectionChats, chatID, map[string]any{
			"lastMessage": tail,
			"readBy":      []string{sender.UID},
		}),
	}
	if err := s.store.Batch(ctx, ops); err != nil {
		return model.Message{}, fmt.Errorf("send message: %w", err)
	}
	return m, nil
}

// EditMessage rewrites a message's text and flags it edited. When the
// edited message is the chat tail, the tail text follows in the same
// batch. Admin only, enforced at the transport layer.
func (s *Service) EditMessage(ctx context.Context, chatID, messageID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	doc, err := s.store.Get(ctx, model.MessagesCollection(chatID), messageID)
	if err != nil {
		return fmt.Errorf("message %s: %w", messageID, err)
	}
	var m model.Message
	if err := model.FromDoc(doc.Data, &m); err != nil {
		return fmt.Errorf("decode message %s: %w", messageID, err)
	}

	ops := []store.Op{
		store.MergeOp(model.MessagesCollection(chatID), messageID, map[string]any{
			"text":   text,
			"edited": true,
		}),
	}
	if tail, ok, err := s.isChatTail(ctx, chatID, m); err != nil {
		return err
	} else if ok {
		tail.Text = text
		tailDoc, err := model.ToDoc(tail)
		if err != nil {
			return err
		}
		ops = append(ops, store.MergeOp(model.CollectionChats, chatID, map[string]any{
			"lastMessage": tailDoc,
		}))
	}
	if err := s.store.Batch(ctx, ops); err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

// isChatTail reports whether m is the chat's current last message. The
// tail carries no message id, so identity is the sender plus the
// fixed-width timestamp.
func (s *Service) isChatTail(ctx context.Context, chatID string, m model.Message) (model.LastMessage, bool, error) {
	doc, err := s.store.Get(ctx, model.CollectionChats, chatID)
	if err != nil {
		return model.LastMessage{}, false, fmt.Errorf("chat %s: %w", chatID, err)
	}
	var c model.Chat
	if err := model.FromDoc(doc.Data, &c); err != nil {
		return model.LastMessage{}, false, fmt.Errorf("decode chat %s: %w", chatID, err)
	}
	if c.LastMessage == nil {
		return model.LastMessage{}, false, nil
	}
	if c.LastMessage.SenderID != m.SenderID || !c.LastMessage.Timestamp.Equal(m.Timestamp.Time) {
		return model.LastMessage{}, false, nil
	}
	return *c.LastMessage, true, nil
}

// DeleteMessage removes a message. When it was the chat tail, the tail
// rolls back to the next newest message (or clears) in the same batch.
// Admin only, enforced at the transport layer.
func (s *Service) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	doc, err := s.store.Get(ctx, model.MessagesCollection(chatID), messageID)
	if err != nil {
		return fmt.Errorf("message %s: %w", messageID, err)
	}
	var m model.Message
	if err := model.FromDoc(doc.Data, &m); err != nil {
		return fmt.Errorf("decode message %s: %w", messageID, err)
	}

	ops := []store.Op{store.DeleteOp(model.MessagesCollection(chatID), messageID)}
	if _, ok, err := s.isChatTail(ctx, chatID, m); err != nil {
		return err
	} else if ok {
		next, err := s.nextTail(ctx, chatID, messageID)
		if err != nil {
			return err
		}
		ops = append(ops, store.MergeOp(model.CollectionChats, chatID, map[string]any{
			"lastMessage": next,
		}))
	}
	if err := s.store.Batch(ctx, ops); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// nextTail computes the lastMessage value after excluding messageID.
// Returns nil when no message remains.
func (s *Service) nextTail(ctx context.Context, chatID, messageID string) (any, error) {
	docs, err := s.store.Find(ctx, store.Query{
		Collection: model.MessagesCollection(chatID),
		OrderBy:    "timestamp",
		Desc:       true,
		Limit:      2,
	})
	if err != nil {
		return nil, fmt.Errorf("find tail: %w", err)
	}
	for _, doc := range docs {
		if doc.ID == messageID {
			continue
		}
		var m model.Message
		if err := model.FromDoc(doc.Data, &m); err != nil {
			continue
		}
		return model.ToDoc(model.LastMessage{
			Text:      m.Text,
			Timestamp: m.Timestamp,
			SenderID:  m.SenderID,
		})
	}
	return nil, nil
}

// DeleteChat removes a chat and every message under it in one atomic
// batch. Admin only, enforced at the transport layer.
func (s *Service) DeleteChat(ctx context.Context, chatID string) error {
	docs, err := s.store.Find(ctx, store.Query{
		Collection: model.MessagesCollection(chatID),
	})
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	ops := make([]store.Op, 0, len(docs)+1)
	for _, doc := range docs {
		ops = append(ops, store.DeleteOp(model.MessagesCollection(chatID), doc.ID))
	}
	ops = append(ops, store.DeleteOp(model.CollectionChats, chatID))
	if err := s.store.Batch(ctx, ops); err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	return nil
}
