package persistence

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Store wraps the sqlite database with the access contract the monitor and
// the HTTP surface share. Every write is a single statement; the database's
// own locking is the only serialization point.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or upgrades the schema. Safe to run on every start.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&VPS{}, &Notification{}, &OutgoingMessage{})
}

// Lease carries the scraped page fields plus the expiry instant resolved from
// them, persisted together after a successful check.
type Lease struct {
	CreationDate string
	ValidUntil   string
	Location     string
	IPv6         string
	RAM          string
	DiskTotal    string
	ExpiryISO    string
}

func (s *Store) Create(ctx context.Context, name, ops, cookie string) (*VPS, error) {
	v := &VPS{
		Name:   name,
		Ops:    ops,
		Cookie: cookie,
		State:  StatePending,
	}
	if err := s.db.WithContext(ctx).Create(v).Error; err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Store) List(ctx context.Context) ([]VPS, error) {
	var list []VPS
	err := s.db.WithContext(ctx).Order("id").Find(&list).Error
	return list, err
}

func (s *Store) Get(ctx context.Context, id uint) (*VPS, error) {
	var v VPS
	if err := s.db.WithContext(ctx).First(&v, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Store) Update(ctx context.Context, id uint, name, ops, cookie string) error {
	return s.db.WithContext(ctx).Model(&VPS{}).Where("id = ?", id).
		Updates(map[string]interface{}{"name": name, "ops": ops, "cookie": cookie}).Error
}

// UpdateLease replaces the machine's lease fields, stamps the last successful
// update time and refreshes the cached expiry. Health state is written
// separately, and only on transitions.
func (s *Store) UpdateLease(ctx context.Context, id uint, lease Lease) error {
	now := time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)
	return s.db.WithContext(ctx).Model(&VPS{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"creation_date": lease.CreationDate,
			"valid_until":   lease.ValidUntil,
			"location":      lease.Location,
			"ipv6":          lease.IPv6,
			"ram":           lease.RAM,
			"disk_total":    lease.DiskTotal,
			"update_time":   now,
			"expiry_utc":    lease.ExpiryISO,
		}).Error
}

func (s *Store) UpdateState(ctx context.Context, id uint, state int) error {
	return s.db.WithContext(ctx).Model(&VPS{}).Where("id = ?", id).
		Update("state", state).Error
}

func (s *Store) UpdateExpiry(ctx context.Context, id uint, expiryISO string) error {
	if expiryISO == "" {
		return nil
	}
	return s.db.WithContext(ctx).Model(&VPS{}).Where("id = ?", id).
		Update("expiry_utc", expiryISO).Error
}

// ClearExpiry drops the cached expiry for a machine whose lease fields no
// longer resolve to one.
func (s *Store) ClearExpiry(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Model(&VPS{}).Where("id = ?", id).
		Update("expiry_utc", "").Error
}

// Delete removes a machine and reports how many rows were affected so the
// caller can tell a missing id from a successful delete.
func (s *Store) Delete(ctx context.Context, id uint) (int64, error) {
	tx := s.db.WithContext(ctx).Delete(&VPS{}, "id = ?", id)
	return tx.RowsAffected, tx.Error
}

// QueueNotification inserts a notification, or updates the existing pending
// row in place when one with the same dedupe key is already queued. A
// delivered row with the same key is left alone.
func (s *Store) QueueNotification(ctx context.Context, n *Notification) error {
	if n.DedupeKey == nil || *n.DedupeKey == "" {
		return s.db.WithContext(ctx).Create(n).Error
	}

	var existing Notification
	err := s.db.WithContext(ctx).First(&existing, "dedupe_key = ?", *n.DedupeKey).Error
	if err == nil {
		return s.updatePending(ctx, &existing, n)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if createErr := s.db.WithContext(ctx).Create(n).Error; createErr != nil {
		// A concurrent writer may have inserted the same key between the
		// lookup and the insert; treat it as the row to update.
		if err := s.db.WithContext(ctx).First(&existing, "dedupe_key = ?", *n.DedupeKey).Error; err == nil {
			return s.updatePending(ctx, &existing, n)
		}
		return createErr
	}
	return nil
}

func (s *Store) updatePending(ctx context.Context, existing *Notification, n *Notification) error {
	if existing.DeliveredAt != nil {
		return nil
	}
	return s.db.WithContext(ctx).Model(&Notification{}).Where("id = ?", existing.ID).
		Updates(map[string]interface{}{
			"monitor_id":    n.MonitorID,
			"type":          n.Type,
			"title":         n.Title,
			"options_json":  n.OptionsJSON,
			"scheduled_for": n.ScheduledFor,
		}).Error
}

// PendingNotifications returns up to limit undelivered notifications that are
// due, unscheduled ones last, then by scheduled time, then by id.
func (s *Store) PendingNotifications(ctx context.Context, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 20
	}
	var list []Notification
	err := s.db.WithContext(ctx).
		Where("delivered_at IS NULL AND (scheduled_for IS NULL OR scheduled_for <= ?)", time.Now().UTC()).
		Order("CASE WHEN scheduled_for IS NULL THEN 1 ELSE 0 END, scheduled_for ASC, id ASC").
		Limit(limit).
		Find(&list).Error
	return list, err
}

func (s *Store) MarkDelivered(ctx context.Context, ids []uint) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	now := time.Now().UTC().Truncate(time.Second)
	tx := s.db.WithContext(ctx).Model(&Notification{}).Where("id IN ?", ids).
		Update("delivered_at", now)
	return tx.RowsAffected, tx.Error
}

// ClearPending deletes undelivered notifications for a machine, optionally
// narrowed to the given types.
func (s *Store) ClearPending(ctx context.Context, monitorID uint, types ...string) (int64, error) {
	q := s.db.WithContext(ctx).Where("monitor_id = ? AND delivered_at IS NULL", monitorID)
	if len(types) > 0 {
		q = q.Where("type IN ?", types)
	}
	tx := q.Delete(&Notification{})
	return tx.RowsAffected, tx.Error
}

// LogOutgoing records a message handed to the external messaging channel.
func (s *Store) LogOutgoing(ctx context.Context, monitorID uint, content string, flag int) error {
	return s.db.WithContext(ctx).Create(&OutgoingMessage{
		MonitorID: monitorID,
		Content:   content,
		Flag:      flag,
	}).Error
}
