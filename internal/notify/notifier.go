package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/events"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/store"
)

// Notification kinds.
const (
	KindImageFlagged        = "image_flagged"
	KindImageRejected       = "image_rejected"
	KindReviewNeeded        = "review_needed"
	KindImageReviewed       = "image_reviewed"
	KindAppealFiled         = "appeal_filed"
	KindAppealResolved      = "appeal_resolved"
	KindStageCompleted      = "stage_completed"
	KindBatchVerified       = "batch_verified"
	KindCertificateIssued   = "certificate_issued"
	KindCertificateAnchored = "certificate_anchored"
	KindAnchorFailed        = "anchor_failed"
)

// Store is the subset of the store the notifier needs.
type Store interface {
	store.NotificationStore
	ListUsers(ctx context.Context, role *store.Role) ([]*store.User, error)
}

// Message is the frame pushed to WebSocket subscribers.
type Message struct {
	Type         string              `json:"type"`
	Notification *store.Notification `json:"notification"`
	Unread       int                 `json:"unread"`
}

type Notifier struct {
	store  Store
	hub    *Hub
	events events.Client
	origin string
	logger *slog.Logger
}

func NewNotifier(s Store, hub *Hub, ev events.Client, logger *slog.Logger) *Notifier {
	if ev == nil {
		ev = events.Nop{}
	}
	return &Notifier{store: s, hub: hub, events: ev, origin: uuid.NewString(), logger: logger}
}

// Notify persists n and delivers it to the user's live connections.
func (n *Notifier) Notify(ctx context.Context, note *store.Notification) error {
	if err := n.store.CreateNotification(ctx, note); err != nil {
		return fmt.Errorf("create notification: %w", err)
	}

	if n.hub != nil && n.hub.Connected(note.UserID) > 0 {
		unread, err := n.store.UnreadCount(ctx, note.UserID)
		if err != nil {
			n.logger.Warn("unread count", "user_id", note.UserID, "error", err)
		}
		n.hub.Push(note.UserID, Message{Type: "notification", Notification: note, Unread: unread})
	}

	ev := events.NotificationEvent{
		NotificationID: note.ID.String(),
		UserID:         note.UserID.String(),
		Kind:           note.Kind,
		Title:          note.Title,
		Body:           note.Body,
		CreatedAt:      note.CreatedAt,
		Origin:         n.origin,
	}
	if note.BatchID != nil {
		ev.BatchID = note.BatchID.String()
	}
	if note.ImageID != nil {
		ev.ImageID = note.ImageID.String()
	}
	if err := n.events.Publish(events.SubjectNotificationCreated(note.UserID.String()), ev); err != nil {
		n.logger.Warn("publish notification event", "error", err)
	}
	return nil
}

// Relay pushes notifications created by other replicas to this replica's
// WebSocket clients.
func (n *Notifier) Relay() error {
	if n.hub == nil {
		return nil
	}
	return n.events.Subscribe(events.SubjectNotificationsAll, func(_ string, data []byte) {
		var ev events.NotificationEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			n.logger.Warn("decode notification event", "error", err)
			return
		}
		if ev.Origin == n.origin {
			return
		}
		note, err := fromEvent(ev)
		if err != nil {
			n.logger.Warn("relay notification", "notification_id", ev.NotificationID, "error", err)
			return
		}
		if n.hub.Connected(note.UserID) == 0 {
			return
		}
		unread, err := n.store.UnreadCount(context.Background(), note.UserID)
		if err != nil {
			n.logger.Warn("unread count", "user_id", note.UserID, "error", err)
		}
		n.hub.Push(note.UserID, Message{Type: "notification", Notification: note, Unread: unread})
	})
}

// NotifyAdmins sends a copy of tmpl to every admin. It keeps going after a
// failed delivery and returns the number of admins notified.
func (n *Notifier) NotifyAdmins(ctx context.Context, tmpl store.Notification) (int, error) {
	role := store.RoleAdmin
	admins, err := n.store.ListUsers(ctx, &role)
	if err != nil {
		return 0, fmt.Errorf("list admins: %w", err)
	}
	sent := 0
	for _, a := range admins {
		note := tmpl
		note.ID = uuid.Nil
		note.UserID = a.ID
		if err := n.Notify(ctx, &note); err != nil {
			n.logger.Error("notify admin", "admin_id", a.ID, "kind", tmpl.Kind, "error", err)
			continue
		}
		sent++
	}
	return sent, nil
}

func fromEvent(ev events.NotificationEvent) (*store.Notification, error) {
	id, err := uuid.Parse(ev.NotificationID)
	if err != nil {
		return nil, fmt.Errorf("notification id: %w", err)
	}
	userID, err := uuid.Parse(ev.UserID)
	if err != nil {
		return nil, fmt.Errorf("user id: %w", err)
	}
	note := &store.Notification{
		ID:        id,
		UserID:    userID,
		Kind:      ev.Kind,
		Title:     ev.Title,
		Body:      ev.Body,
		CreatedAt: ev.CreatedAt,
	}
	if ev.BatchID != "" {
		batchID, err := uuid.Parse(ev.BatchID)
		if err != nil {
			return nil, fmt.Errorf("batch id: %w", err)
		}
		note.BatchID = &batchID
	}
	if ev.ImageID != "" {
		imageID, err := uuid.Parse(ev.ImageID)
		if err != nil {
			return nil, fmt.Errorf("image id: %w", err)
		}
		note.ImageID = &imageID
	}
	return note, nil
}
