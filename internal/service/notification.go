package service

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/capitalize-ai/jobboard/internal/model"
	"github.com/capitalize-ai/jobboard/internal/realtime"
	"github.com/capitalize-ai/jobboard/pkg/logger"
)

// DefaultNotificationLimit is how many notifications a load fetches.
const DefaultNotificationLimit = 10

// NotificationBackend is the part of the data service the notification
// feed talks to.
type NotificationBackend interface {
	ListNotifications(ctx context.Context, userID string, limit int) ([]model.Notification, error)
	MarkNotificationRead(ctx context.Context, notificationID string) error
}

// NotificationFeed holds one user's most recent notifications and the
// number of unread ones.
type NotificationFeed struct {
	userID   string
	limit    int
	backend  NotificationBackend
	bridge   Subscriber
	logger   *logger.Logger
	onChange func(model.StoreChange)

	// inflight collapses concurrent MarkRead calls for one id.
	inflight singleflight.Group

	mu            sync.Mutex
	notifications []model.Notification
	unread        int
	loaded        bool
	sub           *realtime.Handle
	connErr       error
	closed        bool
}

// NewNotificationFeed creates an empty feed for userID.
func NewNotificationFeed(
	userID string,
	limit int,
	backend NotificationBackend,
	bridge Subscriber,
	log *logger.Logger,
	onChange func(model.StoreChange),
) *NotificationFeed {
	if limit <= 0 {
		limit = DefaultNotificationLimit
	}
	if onChange == nil {
		onChange = func(model.StoreChange) {}
	}
	return &NotificationFeed{
		userID:   userID,
		limit:    limit,
		backend:  backend,
		bridge:   bridge,
		logger:   log.ForUser("notifications", userID),
		onChange: onChange,
	}
}

// LoadRecent fetches the most recent notifications of userID, newest
// first, and recounts the unread ones.
func (f *NotificationFeed) LoadRecent(ctx context.Context, userID string) ([]model.Notification, error) {
	const op = "load_notifications"
	if userID != f.userID {
		return nil, fail(op, KindValidation, ErrWrongUser)
	}

	if err := f.ensureSubscribed(); err != nil {
		return nil, fail(op, KindConnection, err)
	}

	notes, err := f.backend.ListNotifications(ctx, userID, f.limit)
	if err != nil {
		f.logger.Warn("failed to load notifications", zap.Error(err))
		return nil, fail(op, KindLoad, err)
	}

	unread := 0
	for _, n := range notes {
		if !n.Read {
			unread++
		}
	}

	f.mu.Lock()
	f.notifications = notes
	f.unread = unread
	f.loaded = true
	out := append([]model.Notification(nil), f.notifications...)
	f.mu.Unlock()

	f.onChange(model.ChangeNotifications)
	return out, nil
}

func (f *NotificationFeed) ensureSubscribed() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return realtime.ErrClosed
	}
	if f.sub != nil {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	userID := f.userID
	h, err := f.bridge.Subscribe(
		realtime.Scope{Table: model.TableNotifications, Kind: model.ChangeInsert, Key: "notifications:" + userID},
		func(e model.ChangeEvent) bool {
			var n model.Notification
			return e.Decode(&n) == nil && n.UserID == userID
		},
		func(e model.ChangeEvent) {
			var n model.Notification
			if err := e.Decode(&n); err != nil {
				f.logger.Warn("dropping undecodable notification event", zap.Error(err))
				return
			}
			f.OnNotificationEvent(n)
		},
		realtime.WithOnDrop(f.onDrop),
	)
	if err != nil {
		return err
	}

	f.mu.Lock()
	if f.sub != nil || f.closed {
		f.mu.Unlock()
		return f.bridge.Unsubscribe(h)
	}
	f.sub = h
	f.connErr = nil
	f.mu.Unlock()
	return nil
}

// OnNotificationEvent prepends a delivered notification. Redelivery of a
// held notification is ignored.
func (f *NotificationFeed) OnNotificationEvent(n model.Notification) {
	if n.UserID != f.userID {
		return
	}

	f.mu.Lock()
	for _, held := range f.notifications {
		if held.ID == n.ID {
			f.mu.Unlock()
			return
		}
	}
	f.notifications = append([]model.Notification{n}, f.notifications...)
	if !n.Read {
		f.unread++
	}
	f.mu.Unlock()

	f.onChange(model.ChangeNotifications)
}

// Loaded reports whether the feed has been fetched at least once.
func (f *NotificationFeed) Loaded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loaded
}

// Notifications returns the held notifications truncated to the display
// limit.
func (f *NotificationFeed) Notifications() []model.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.notifications)
	if n > f.limit {
		n = f.limit
	}
	return append([]model.Notification(nil), f.notifications[:n]...)
}

// Len returns how many notifications are held, including those past the
// display limit.
func (f *NotificationFeed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notifications)
}

// UnreadCount returns the number of held notifications not yet read.
func (f *NotificationFeed) UnreadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread
}

// Err returns the last connection failure reported by the bridge, if any.
func (f *NotificationFeed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connErr
}

// MarkRead flags a notification as read. Already read notifications cost
// no remote call. The local flag flips only after the backend accepted
// the update.
func (f *NotificationFeed) MarkRead(ctx context.Context, userID, notificationID string) error {
	const op = "mark_notification_read"
	if userID != f.userID {
		return fail(op, KindValidation, ErrWrongUser)
	}

	f.mu.Lock()
	i := f.indexLocked(notificationID)
	if i < 0 {
		f.mu.Unlock()
		return fail(op, KindValidation, ErrNotFound)
	}
	if f.notifications[i].Read {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	_, err, _ := f.inflight.Do(notificationID, func() (any, error) {
		return nil, f.backend.MarkNotificationRead(ctx, notificationID)
	})
	if err != nil {
		f.logger.Warn("failed to mark notification read", logger.NotificationID(notificationID), zap.Error(err))
		return fail(op, KindCommand, err)
	}

	f.mu.Lock()
	changed := false
	if i := f.indexLocked(notificationID); i >= 0 && !f.notifications[i].Read {
		f.notifications[i].Read = true
		f.unread--
		changed = true
	}
	f.mu.Unlock()

	if changed {
		f.onChange(model.ChangeNotifications)
	}
	return nil
}

// Activate marks a notification read if needed and returns its link. The
// caller decides how to navigate; an empty link means nowhere to go.
func (f *NotificationFeed) Activate(ctx context.Context, userID, notificationID string) (string, error) {
	const op = "activate_notification"
	if userID != f.userID {
		return "", fail(op, KindValidation, ErrWrongUser)
	}

	f.mu.Lock()
	i := f.indexLocked(notificationID)
	if i < 0 {
		f.mu.Unlock()
		return "", fail(op, KindValidation, ErrNotFound)
	}
	n := f.notifications[i]
	f.mu.Unlock()

	if !n.Read {
		if err := f.MarkRead(ctx, userID, notificationID); err != nil {
			return "", err
		}
	}
	return n.Link, nil
}

func (f *NotificationFeed) indexLocked(id string) int {
	for i := range f.notifications {
		if f.notifications[i].ID == id {
			return i
		}
	}
	return -1
}

func (f *NotificationFeed) onDrop(err error) {
	f.mu.Lock()
	f.sub = nil
	f.connErr = err
	f.mu.Unlock()
	f.logger.Warn("notification subscription dropped", zap.Error(err))
	f.onChange(model.ChangeNotifications)
}

// Close releases the feed's subscription.
func (f *NotificationFeed) Close() {
	f.mu.Lock()
	f.closed = true
	h := f.sub
	f.sub = nil
	f.mu.Unlock()

	if err := f.bridge.Unsubscribe(h); err != nil {
		f.logger.Warn("failed to release subscription", zap.Error(err))
	}
}
