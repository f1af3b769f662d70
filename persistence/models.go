package persistence

import "time"

// Health states as stored in the vps table.
const (
	StateAbnormal = 0
	StateNormal   = 1
	StatePending  = 2
)

// VPS is one monitored machine. The lease fields hold whatever display
// strings the provider page showed, verbatim; ExpiryUTC caches the canonical
// expiry instant resolved from them.
type VPS struct {
	ID           uint `gorm:"primaryKey"`
	Name         string
	Ops          string
	Cookie       string
	CreationDate string
	ValidUntil   string
	Location     string
	IPv6         string `gorm:"column:ipv6"`
	RAM          string `gorm:"column:ram"`
	DiskTotal    string
	UpdateTime   string
	State        int
	ExpiryUTC    string `gorm:"column:expiry_utc"`
}

func (VPS) TableName() string {
	return "vps"
}

// Notification is one queued dashboard push notification. DedupeKey is unique
// so re-enqueuing the same logical reminder updates the pending row in place.
type Notification struct {
	ID           uint   `gorm:"primaryKey"`
	MonitorID    uint   `gorm:"not null;index"`
	Type         string `gorm:"not null"`
	Title        string `gorm:"not null"`
	OptionsJSON  string `gorm:"column:options_json;not null"`
	ScheduledFor *time.Time
	DeliveredAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DedupeKey    *string `gorm:"uniqueIndex"`
}

func (Notification) TableName() string {
	return "pwa_notifications"
}

// OutgoingMessage logs one message handed to the external messaging channel.
type OutgoingMessage struct {
	ID        uint `gorm:"primaryKey"`
	MonitorID uint `gorm:"index"`
	Content   string
	Flag      int
	Date      time.Time `gorm:"autoCreateTime"`
}

func (OutgoingMessage) TableName() string {
	return "send"
}
