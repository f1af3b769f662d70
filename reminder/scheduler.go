// Package reminder decides when a machine's approaching expiry turns into
// queued dashboard notifications and external renewal messages.
//
// Two regimes split at 48 hours remaining: a single long-range warning
// scheduled to fire 48 hours before expiry, then hourly urgent reminders, at
// most one per hour slot. Independently, while inside the final 72 hours a
// renewal message goes out through the messaging channel every pass, with no
// dedupe. That repetition is the long-standing behavior and is kept as-is.
package reminder

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lagren/vpsguard/expiry"
	"github.com/lagren/vpsguard/persistence"
	"github.com/lagren/vpsguard/providers"
)

const (
	TypeWarning = "expiry-warning"
	TypeHourly  = "expiry-hourly"

	farThreshold   = 48 * time.Hour
	hourlyInterval = time.Hour
	messageWindow  = 72 * time.Hour
)

// NotificationQueue is the slice of the store the scheduler needs.
type NotificationQueue interface {
	QueueNotification(ctx context.Context, n *persistence.Notification) error
	ClearPending(ctx context.Context, monitorID uint, types ...string) (int64, error)
}

// Messenger delivers a renewal message through the external channel,
// best-effort.
type Messenger interface {
	Send(ctx context.Context, monitorID uint, text string, parseMode string) error
}

// entry is the per-machine reminder bookkeeping, seeded for one specific
// expiry instant. It is discarded whenever that instant changes.
type entry struct {
	expiryISO        string
	urgent           bool
	lastSlot         int
	lastNotifiedAt   time.Time
	lastRemainingSec int
	seeded           bool
}

// Scheduler owns the reminder entries for the fleet. The orchestrator creates
// one and calls Process per machine per tick, then Cleanup.
type Scheduler struct {
	queue     NotificationQueue
	messenger Messenger
	entries   map[uint]*entry
	now       func() time.Time
}

func NewScheduler(queue NotificationQueue, messenger Messenger) *Scheduler {
	return &Scheduler{
		queue:     queue,
		messenger: messenger,
		entries:   make(map[uint]*entry),
		now:       time.Now,
	}
}

// Process runs the reminder decision for one machine against its resolved
// expiry. Failures are logged and never stop the caller's pass.
func (s *Scheduler) Process(ctx context.Context, vps *persistence.VPS, res expiry.Resolution) {
	id := vps.ID

	if !res.Known() {
		// Unknown expiry never alarms; stale reminders must not linger.
		s.clear(ctx, id, TypeWarning, TypeHourly)
		delete(s.entries, id)
		return
	}

	e := s.ensure(ctx, id, res.ISO)

	now := s.now()
	remaining := res.Instant.Sub(now)
	if remaining <= 0 {
		s.clear(ctx, id, TypeWarning, TypeHourly)
		delete(s.entries, id)
		return
	}

	providerDisplay := strings.ToUpper(strings.TrimSpace(vps.Ops))
	if providerDisplay == "" {
		providerDisplay = "Unknown"
	}
	displayName := vps.Name
	if displayName == "" {
		displayName = providerDisplay
	}
	pretty := res.Display
	if pretty == "" {
		pretty = expiry.FormatDisplay(res.Instant)
	}
	renewURL := providers.RenewalURL(vps.Ops)

	if remaining > farThreshold {
		s.seedWarning(ctx, id, displayName, providerDisplay, pretty, res, renewURL, e)
		if e.urgent {
			s.clear(ctx, id, TypeHourly)
		}
		e.urgent = false
		e.lastSlot = -1
		e.lastNotifiedAt = time.Time{}
		e.lastRemainingSec = 0
	} else {
		s.scheduleHourly(ctx, vps, displayName, providerDisplay, pretty, res, renewURL, now, e, remaining)
	}

	if remaining <= messageWindow {
		s.sendRenewalMessage(ctx, vps, displayName, pretty, remaining, renewURL)
	}
}

// Cleanup drops entries for machines that left the active set and removes
// their pending notifications. Runs every tick regardless of what Process did.
func (s *Scheduler) Cleanup(ctx context.Context, active map[uint]bool) {
	for id := range s.entries {
		if !active[id] {
			delete(s.entries, id)
			s.clear(ctx, id, TypeWarning, TypeHourly)
		}
	}
}

// ensure returns the entry seeded for this expiry instant. An entry seeded
// for a different instant is discarded, together with its queued
// notifications, so a renewed lease starts from scratch.
func (s *Scheduler) ensure(ctx context.Context, id uint, expiryISO string) *entry {
	e, ok := s.entries[id]
	if ok && e.expiryISO != expiryISO {
		s.clear(ctx, id, TypeWarning, TypeHourly)
		ok = false
	}
	if !ok {
		e = &entry{expiryISO: expiryISO, lastSlot: -1}
		s.entries[id] = e
	}
	return e
}

// seedWarning keeps exactly one long-range warning queued, scheduled to fire
// 48 hours before expiry. Safe to call every tick: the dedupe key makes the
// enqueue an upsert.
func (s *Scheduler) seedWarning(ctx context.Context, id uint, displayName, providerDisplay, pretty string, res expiry.Resolution, renewURL string, e *entry) {
	if !e.seeded {
		s.clear(ctx, id, TypeWarning)
		e.seeded = true
	}

	schedulePoint := res.Instant.Add(-farThreshold)
	remainingText, remainingSeconds := formatRemaining(farThreshold)
	title := fmt.Sprintf("%s: expires in %s", displayName, remainingText)

	bodyLines := []string{
		"Provider: " + providerDisplay,
		"Name: " + displayName,
		"Expires: " + pretty,
		"Remaining: " + remainingText,
		"Reminder: only 48 hours left before expiry, renew soon.",
	}
	if renewURL != "" {
		bodyLines = append(bodyLines, "Renew: "+renewURL)
	}

	data := map[string]interface{}{
		"type":             TypeWarning,
		"reminderType":     TypeWarning,
		"vpsId":            id,
		"provider":         providerDisplay,
		"expiryIso":        res.ISO,
		"expiryDisplay":    pretty,
		"remainingSeconds": remainingSeconds,
		"scheduledFor":     schedulePoint.Format(time.RFC3339),
	}
	if renewURL != "" {
		data["renewUrl"] = renewURL
	}

	key := fmt.Sprintf("%s:%d:%s", TypeWarning, id, res.ISO)
	n := &persistence.Notification{
		MonitorID:    id,
		Type:         TypeWarning,
		Title:        title,
		OptionsJSON:  buildOptions(strings.Join(bodyLines, "\n"), id, data),
		ScheduledFor: &schedulePoint,
		DedupeKey:    &key,
	}
	if err := s.queue.QueueNotification(ctx, n); err != nil {
		logrus.Errorf("Failed to queue 2-day notification for VPS %d: %s", id, err)
	}
}

// scheduleHourly enqueues at most one urgent reminder per hour slot since the
// near phase began. The slot is recorded only after a successful enqueue.
func (s *Scheduler) scheduleHourly(ctx context.Context, vps *persistence.VPS, displayName, providerDisplay, pretty string, res expiry.Resolution, renewURL string, now time.Time, e *entry, remaining time.Duration) {
	start := res.Instant.Add(-farThreshold)
	if now.Before(start) {
		return
	}

	slot := int(now.Sub(start) / hourlyInterval)
	if e.lastSlot == slot {
		return
	}
	slotTime := start.Add(time.Duration(slot) * hourlyInterval)

	remainingText, remainingSeconds := formatRemaining(remaining)
	title := fmt.Sprintf("%s: %s remaining", displayName, remainingText)

	bodyLines := []string{
		"Provider: " + providerDisplay,
		"Name: " + displayName,
		"Expires: " + pretty,
		"Remaining: " + remainingText,
		"Renew soon to keep the service running.",
	}
	if renewURL != "" {
		bodyLines = append(bodyLines, "Renew: "+renewURL)
	}

	data := map[string]interface{}{
		"type":             TypeHourly,
		"reminderType":     TypeHourly,
		"vpsId":            vps.ID,
		"provider":         providerDisplay,
		"providerKey":      providers.Normalize(vps.Ops),
		"name":             displayName,
		"expiryIso":        res.ISO,
		"expiryDisplay":    pretty,
		"remainingSeconds": remainingSeconds,
		"reminderSlot":     slot,
		"scheduledFor":     slotTime.Format(time.RFC3339),
		"urgent":           true,
	}
	if renewURL != "" {
		data["renewUrl"] = renewURL
	}

	key := fmt.Sprintf("%s:%d:%s:%d", TypeHourly, vps.ID, res.ISO, slot)
	n := &persistence.Notification{
		MonitorID:    vps.ID,
		Type:         TypeHourly,
		Title:        title,
		OptionsJSON:  buildOptions(strings.Join(bodyLines, "\n"), vps.ID, data),
		ScheduledFor: &slotTime,
		DedupeKey:    &key,
	}
	if err := s.queue.QueueNotification(ctx, n); err != nil {
		logrus.Errorf("Failed to queue hourly notification for VPS %d: %s", vps.ID, err)
		return
	}

	e.urgent = true
	e.lastSlot = slot
	e.lastNotifiedAt = slotTime
	e.lastRemainingSec = remainingSeconds
}

// sendRenewalMessage fires the legacy renewal nag through the messaging
// channel. It goes out every pass while inside the window, by design of the
// original behavior; the channel applies no dedupe.
func (s *Scheduler) sendRenewalMessage(ctx context.Context, vps *persistence.VPS, displayName, pretty string, remaining time.Duration, renewURL string) {
	if renewURL == "" {
		if err := s.messenger.Send(ctx, vps.ID, "Something looks wrong with this machine, please check it", ""); err != nil {
			logrus.Warnf("Failed to send renewal message for VPS %d: %s", vps.ID, err)
		}
		return
	}

	remainingText, _ := formatRemaining(remaining)
	text := fmt.Sprintf("Your %s VPS\nName: %s is about to expire\nExpires at %s\nTime remaining: %s\n[Renew](%s)",
		vps.Ops, displayName, pretty, remainingText, renewURL)
	if err := s.messenger.Send(ctx, vps.ID, text, "Markdown"); err != nil {
		logrus.Warnf("Failed to send renewal message for VPS %d: %s", vps.ID, err)
	}
}

func (s *Scheduler) clear(ctx context.Context, id uint, types ...string) {
	if _, err := s.queue.ClearPending(ctx, id, types...); err != nil {
		logrus.Errorf("Failed to clear pending notifications for VPS %d: %s", id, err)
	}
}

func buildOptions(body string, vpsID uint, data map[string]interface{}) string {
	options := map[string]interface{}{
		"body":               body,
		"icon":               "/icons/app-icon-192.png",
		"badge":              "/icons/app-icon-96.png",
		"tag":                fmt.Sprintf("expiry-%d", vpsID),
		"requireInteraction": true,
		"data":               data,
		"actions": []map[string]string{
			{"action": "open", "title": "Open dashboard"},
		},
	}
	b, err := json.Marshal(options)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// formatRemaining renders a duration as e.g. "about 2 days 3 hours" together
// with its whole-second count. Minutes only show below a day.
func formatRemaining(d time.Duration) (string, int) {
	total := int(d.Seconds())
	if total <= 0 {
		return "under a minute", 0
	}
	days := total / 86400
	hours := (total % 86400) / 3600
	minutes := (total % 3600) / 60

	var parts []string
	if days > 0 {
		parts = append(parts, plural(days, "day"))
	}
	if hours > 0 {
		parts = append(parts, plural(hours, "hour"))
	}
	if days == 0 && minutes > 0 {
		parts = append(parts, plural(minutes, "minute"))
	}
	if len(parts) == 0 {
		return "under a minute", total
	}
	return "about " + strings.Join(parts, " "), total
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
