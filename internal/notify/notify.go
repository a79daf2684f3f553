// Package notify implements school announcements with per-user unread
// tracking. A viewer sees the most recent notifications addressed to
// any of their recipient groups; the unread count is derived from the
// same window, never stored.
package notify

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

// ErrInvalidNotification rejects a send with missing fields.
var ErrInvalidNotification = errors.New("invalid notification")

// windowSize is how many recent notifications a viewer's feed covers.
// The unread badge counts within this window only.
const windowSize = 15

// Snapshot is one consistent view of a viewer's feed.
type Snapshot struct {
	Notifications []model.Notification `json:"notifications"`
	UnreadCount   int                  `json:"unreadCount"`
}

// Service reads and mutates the notifications collection.
type Service struct {
	store store.Store
	log   *logger.Logger
	limit int
}

func NewService(st store.Store, log *logger.Logger) *Service {
	return &Service{store: st, log: log, limit: windowSize}
}

func (s *Service) feedQuery(groups []string) store.Query {
	return store.Query{
		Collection: model.CollectionNotifications,
		Filters: []store.Filter{{
			Field: "recipients",
			Op:    store.OpArrayContainsAny,
			Value: groups,
		}},
		OrderBy: "timestamp",
		Desc:    true,
		Limit:   s.limit,
	}
}

// List returns the viewer's current feed.
func (s *Service) List(ctx context.Context, viewer model.UserProfile) (Snapshot, error) {
	docs, err := s.store.Find(ctx, s.feedQuery(viewer.Groups()))
	if err != nil {
		return Snapshot{}, fmt.Errorf("list notifications: %w", err)
	}
	return s.snapshot(docs, viewer.UID), nil
}

// Subscribe streams a fresh Snapshot for every change to the viewer's
// feed, starting with the current state. The returned unsubscribe stops
// the stream and closes the channel.
func (s *Service) Subscribe(ctx context.Context, viewer model.UserProfile) (<-chan Snapshot, store.UnsubscribeFunc, error) {
	events, stop, err := s.store.Watch(ctx, s.feedQuery(viewer.Groups()))
	if err != nil {
		return nil, nil, fmt.Errorf("watch notifications: %w", err)
	}

	out := make(chan Snapshot, 1)
	go func() {
		defer close(out)
		for ev := range events {
			if ev.Err != nil {
				s.log.Error("notification feed event", "uid", viewer.UID, "error", ev.Err)
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

// snapshot decodes the window and derives the unread count. A malformed
// document is logged and skipped rather than failing the whole feed.
func (s *Service) snapshot(docs []store.Document, uid string) Snapshot {
	snap := Snapshot{Notifications: make([]model.Notification, 0, len(docs))}
	for _, doc := range docs {
		var n model.Notification
		if err := model.FromDoc(doc.Data, &n); err != nil {
			s.log.Error("decode notification", "id", doc.ID, "error", err)
			continue
		}
		n.ID = doc.ID
		snap.Notifications = append(snap.Notifications, n)
		if n.UnreadFor(uid) {
			snap.UnreadCount++
		}
	}
	return snap
}

// Send publishes a notification from sender to the given recipient
// groups. The read set starts empty, so it is unread for everyone.
func (s *Service) Send(ctx context.Context, sender model.UserProfile, title, message string, recipients []string) (model.Notification, error) {
	title = strings.TrimSpace(title)
	message = strings.TrimSpace(message)
	if title == "" || message == "" {
		return model.Notification{}, fmt.Errorf("%w: title and message are required", ErrInvalidNotification)
	}
	if len(recipients) == 0 {
		return model.Notification{}, fmt.Errorf("%w: at least one recipient group", ErrInvalidNotification)
	}

	n := model.Notification{
		ID:         uuid.NewString(),
		Title:      title,
		Message:    message,
		SenderID:   sender.UID,
		SenderName: sender.Name,
		Recipients: recipients,
		Timestamp:  model.Now(),
		ReadBy:     []string{},
	}
	doc, err := model.ToDoc(n)
	if err != nil {
		return model.Notification{}, err
	}
	if err := s.store.Set(ctx, model.CollectionNotifications, n.ID, doc, false); err != nil {
		return model.Notification{}, fmt.Errorf("send notification: %w", err)
	}
	return n, nil
}

// MarkRead adds uid to the notification's read set. Already-read is a
// no-op, so retries converge instead of erroring.
func (s *Service) MarkRead(ctx context.Context, id, uid string) error {
	doc, err := s.store.Get(ctx, model.CollectionNotifications, id)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	var n model.Notification
	if err := model.FromDoc(doc.Data, &n); err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if !n.UnreadFor(uid) {
		return nil
	}
	readBy := append(n.ReadBy, uid)
	return s.store.Set(ctx, model.CollectionNotifications, id, map[string]any{"readBy": readBy}, true)
}

// MarkAllRead marks every currently-unread notification in the viewer's
// window in one atomic batch and reports how many it touched. Each
// document appears at most once in the batch.
func (s *Service) MarkAllRead(ctx context.Context, viewer model.UserProfile) (int, error) {
	docs, err := s.store.Find(ctx, s.feedQuery(viewer.Groups()))
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}

	seen := map[string]bool{}
	var ops []store.Op
	for _, doc := range docs {
		if seen[doc.ID] {
			continue
		}
		seen[doc.ID] = true
		var n model.Notification
		if err := model.FromDoc(doc.Data, &n); err != nil {
			s.log.Error("decode notification", "id", doc.ID, "error", err)
			continue
		}
		if !n.UnreadFor(viewer.UID) {
			continue
		}
		ops = append(ops, store.MergeOp(model.CollectionNotifications, doc.ID, map[string]any{
			"readBy": append(n.ReadBy, viewer.UID),
		}))
	}
	if len(ops) == 0 {
		return 0, nil
	}
	if err := s.store.Batch(ctx, ops); err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	return len(ops), nil
}

// Delete removes a notification for every recipient. Admin only,
// enforced at the transport layer.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, model.CollectionNotifications, id); err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	return nil
}
