package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "monitor.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	s := NewStore(db)
	require.NoError(t, s.Migrate())
	return s
}

func key(s string) *string {
	return &s
}

func TestCreateStartsPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.Create(ctx, "box-1", "hax", "session=abc")
	require.NoError(t, err)

	got, err := s.Get(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, got.State)
	assert.Equal(t, "box-1", got.Name)
	assert.Empty(t, got.UpdateTime)
}

func TestUpdateLeaseStampsUpdateTime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.Create(ctx, "box-1", "hax", "")
	require.NoError(t, err)

	require.NoError(t, s.UpdateLease(ctx, v.ID, Lease{
		CreationDate: "2024-01-05",
		ValidUntil:   "2024-01-10",
		Location:     "Jakarta",
		ExpiryISO:    "2024-01-09T17:00:00Z",
	}))

	got, err := s.Get(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-10", got.ValidUntil)
	assert.Equal(t, "2024-01-09T17:00:00Z", got.ExpiryUTC)
	assert.NotEmpty(t, got.UpdateTime)
	assert.Equal(t, StatePending, got.State, "lease writes must not touch health state")
}

func TestDeleteReportsAffected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.Create(ctx, "box-1", "hax", "")
	require.NoError(t, err)

	affected, err := s.Delete(ctx, v.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, affected)

	affected, err = s.Delete(ctx, v.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, affected)
}

func TestQueueNotificationUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	scheduled := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	first := &Notification{
		MonitorID: 1, Type: "expiry-warning", Title: "first",
		OptionsJSON: "{}", ScheduledFor: &scheduled,
		DedupeKey: key("expiry-warning:1:2024-01-09T17:00:00Z"),
	}
	require.NoError(t, s.QueueNotification(ctx, first))

	second := &Notification{
		MonitorID: 1, Type: "expiry-warning", Title: "second",
		OptionsJSON: "{}", ScheduledFor: &scheduled,
		DedupeKey: key("expiry-warning:1:2024-01-09T17:00:00Z"),
	}
	require.NoError(t, s.QueueNotification(ctx, second))

	var rows []Notification
	require.NoError(t, s.db.Find(&rows).Error)
	require.Len(t, rows, 1, "same dedupe key must update in place, not insert")
	assert.Equal(t, "second", rows[0].Title)
}

func TestQueueNotificationLosesInsertRace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	s := NewStore(db)
	require.NoError(t, s.Migrate())
	ctx := context.Background()

	// A concurrent writer can claim the dedupe key between the lookup and
	// the insert. A second connection commits a conflicting row right
	// before the insert runs, so the insert itself hits the unique index.
	other, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	raced := false
	require.NoError(t, s.db.Callback().Create().Before("gorm:create").Register("concurrent_enqueue", func(tx *gorm.DB) {
		if raced {
			return
		}
		raced = true
		require.NoError(t, other.Exec(`
			INSERT INTO pwa_notifications (monitor_id, type, title, options_json, dedupe_key)
			VALUES (1, 'expiry-warning', 'queued elsewhere', '{}', 'expiry-warning:1:2024-01-09T17:00:00Z')`).Error)
	}))
	t.Cleanup(func() { _ = s.db.Callback().Create().Remove("concurrent_enqueue") })

	n := &Notification{
		MonitorID: 1, Type: "expiry-warning", Title: "mine",
		OptionsJSON: "{}",
		DedupeKey:   key("expiry-warning:1:2024-01-09T17:00:00Z"),
	}
	require.NoError(t, s.QueueNotification(ctx, n))

	var rows []Notification
	require.NoError(t, s.db.Find(&rows).Error)
	require.Len(t, rows, 1, "losing the insert race must fall back to the update path")
	assert.Equal(t, "mine", rows[0].Title)
}

func TestClearExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.Create(ctx, "box-1", "hax", "session=abc")
	require.NoError(t, err)
	require.NoError(t, s.UpdateExpiry(ctx, v.ID, "2024-01-09T17:00:00Z"))

	require.NoError(t, s.ClearExpiry(ctx, v.ID))

	got, err := s.Get(ctx, v.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ExpiryUTC)
}

func TestQueueNotificationLeavesDeliveredAlone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	n := &Notification{
		MonitorID: 1, Type: "expiry-hourly", Title: "original",
		OptionsJSON: "{}", ScheduledFor: &past,
		DedupeKey: key("expiry-hourly:1:x:0"),
	}
	require.NoError(t, s.QueueNotification(ctx, n))

	_, err := s.MarkDelivered(ctx, []uint{n.ID})
	require.NoError(t, err)

	update := *n
	update.ID = 0
	update.Title = "replacement"
	require.NoError(t, s.QueueNotification(ctx, &update))

	var rows []Notification
	require.NoError(t, s.db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "original", rows[0].Title)
}

func TestPendingNotificationsOrderingAndDueFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	earlier := now.Add(-2 * time.Hour)
	recent := now.Add(-10 * time.Minute)
	future := now.Add(2 * time.Hour)

	require.NoError(t, s.QueueNotification(ctx, &Notification{
		MonitorID: 1, Type: "expiry-hourly", Title: "recent", OptionsJSON: "{}",
		ScheduledFor: &recent, DedupeKey: key("k-recent"),
	}))
	require.NoError(t, s.QueueNotification(ctx, &Notification{
		MonitorID: 1, Type: "expiry-hourly", Title: "unscheduled", OptionsJSON: "{}",
		DedupeKey: key("k-unscheduled"),
	}))
	require.NoError(t, s.QueueNotification(ctx, &Notification{
		MonitorID: 1, Type: "expiry-warning", Title: "future", OptionsJSON: "{}",
		ScheduledFor: &future, DedupeKey: key("k-future"),
	}))
	require.NoError(t, s.QueueNotification(ctx, &Notification{
		MonitorID: 1, Type: "expiry-hourly", Title: "earlier", OptionsJSON: "{}",
		ScheduledFor: &earlier, DedupeKey: key("k-earlier"),
	}))

	list, err := s.PendingNotifications(ctx, 20)
	require.NoError(t, err)

	require.Len(t, list, 3, "future notifications are not yet due")
	assert.Equal(t, "earlier", list[0].Title)
	assert.Equal(t, "recent", list[1].Title)
	assert.Equal(t, "unscheduled", list[2].Title, "unscheduled rows sort last")
}

func TestMarkDeliveredExcludesFromPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	n := &Notification{
		MonitorID: 2, Type: "expiry-warning", Title: "due", OptionsJSON: "{}",
		ScheduledFor: &past, DedupeKey: key("k-due"),
	}
	require.NoError(t, s.QueueNotification(ctx, n))

	updated, err := s.MarkDelivered(ctx, []uint{n.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 1, updated)

	list, err := s.PendingNotifications(ctx, 20)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestClearPendingByType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.QueueNotification(ctx, &Notification{
		MonitorID: 3, Type: "expiry-warning", Title: "w", OptionsJSON: "{}", DedupeKey: key("w3"),
	}))
	require.NoError(t, s.QueueNotification(ctx, &Notification{
		MonitorID: 3, Type: "expiry-hourly", Title: "h", OptionsJSON: "{}", DedupeKey: key("h3"),
	}))
	require.NoError(t, s.QueueNotification(ctx, &Notification{
		MonitorID: 4, Type: "expiry-hourly", Title: "other machine", OptionsJSON: "{}", DedupeKey: key("h4"),
	}))

	removed, err := s.ClearPending(ctx, 3, "expiry-hourly")
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	var rows []Notification
	require.NoError(t, s.db.Order("id").Find(&rows).Error)
	require.Len(t, rows, 2)
	assert.Equal(t, "w", rows[0].Title)
	assert.Equal(t, "other machine", rows[1].Title)
}
