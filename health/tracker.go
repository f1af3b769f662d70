// Package health turns the stream of per-poll scrape outcomes into a
// debounced abnormal/normal state per machine, persisting only transitions.
package health

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lagren/vpsguard/persistence"
)

const (
	// A machine that has never completed a check gets a few extra seconds
	// after first sight before failures start counting.
	warmupWindow = 3 * time.Second

	newFailureThreshold      = 3
	existingFailureThreshold = 2
)

// StateWriter persists a health state transition.
type StateWriter interface {
	UpdateState(ctx context.Context, id uint, state int) error
}

// Entry is the ephemeral per-machine bookkeeping. It is rebuilt from the
// machine's stored state whenever the process restarts.
type Entry struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastSuccessAt        time.Time
	FirstSeenAt          time.Time
	LastCheckedAt        time.Time
	LastError            string

	appliedState int
}

// Tracker owns the entry map for the monitored fleet. The orchestrator
// creates one and drives it; entries appear on first sight of a machine id
// and are evicted when the id leaves the active set.
type Tracker struct {
	store   StateWriter
	entries map[uint]*Entry
	now     func() time.Time
}

func NewTracker(store StateWriter) *Tracker {
	return &Tracker{
		store:   store,
		entries: make(map[uint]*Entry),
		now:     time.Now,
	}
}

// Ensure returns the entry for a machine, creating one seeded with the
// machine's stored state on first sight.
func (t *Tracker) Ensure(id uint, storedState int) *Entry {
	entry, ok := t.entries[id]
	if !ok {
		entry = &Entry{
			FirstSeenAt:  t.now(),
			appliedState: storedState,
		}
		t.entries[id] = entry
	}
	return entry
}

// Cleanup evicts entries for machines no longer in the active set.
func (t *Tracker) Cleanup(active map[uint]bool) {
	for id := range t.entries {
		if !active[id] {
			delete(t.entries, id)
		}
	}
}

// WarmupRemaining reports how long a brand-new machine is still excused from
// checks. Established machines are never in warmup.
func (t *Tracker) WarmupRemaining(vps *persistence.VPS, entry *Entry) time.Duration {
	if !isNew(vps, entry) {
		return 0
	}
	remaining := warmupWindow - t.now().Sub(entry.FirstSeenAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RecordSuccess resets the failure streak and, when the persisted state is
// not already normal, writes the transition. A failed write leaves the
// applied-state marker untouched so the next success retries it.
func (t *Tracker) RecordSuccess(ctx context.Context, id uint, label string) {
	entry, ok := t.entries[id]
	if !ok {
		return
	}
	entry.ConsecutiveFailures = 0
	entry.ConsecutiveSuccesses++
	entry.LastSuccessAt = t.now()
	entry.LastCheckedAt = entry.LastSuccessAt
	entry.LastError = ""

	if entry.appliedState == persistence.StateNormal {
		logrus.Debugf("[%s] VPS %d check succeeded (state unchanged)", label, id)
		return
	}
	if err := t.store.UpdateState(ctx, id, persistence.StateNormal); err != nil {
		logrus.Errorf("[%s] Failed to mark VPS %d as normal: %s", label, id, err)
		return
	}
	entry.appliedState = persistence.StateNormal
	logrus.Infof("[%s] VPS %d marked as normal", label, id)
}

// RecordFailure counts a failed check against the machine. Below the
// applicable threshold it only logs; at the threshold it persists the
// abnormal transition once.
func (t *Tracker) RecordFailure(ctx context.Context, vps *persistence.VPS, label string, reason string) {
	entry, ok := t.entries[vps.ID]
	if !ok {
		return
	}
	entry.ConsecutiveSuccesses = 0
	entry.ConsecutiveFailures++
	entry.LastError = reason
	entry.LastCheckedAt = t.now()

	threshold := existingFailureThreshold
	if isNew(vps, entry) {
		threshold = newFailureThreshold
	}
	if entry.ConsecutiveFailures < threshold {
		logrus.Infof("[%s] VPS %d check failed (%s), attempt %d/%d, debounced",
			label, vps.ID, reason, entry.ConsecutiveFailures, threshold)
		return
	}
	if entry.appliedState == persistence.StateAbnormal {
		logrus.Debugf("[%s] VPS %d remains abnormal (%s)", label, vps.ID, reason)
		return
	}
	if err := t.store.UpdateState(ctx, vps.ID, persistence.StateAbnormal); err != nil {
		logrus.Errorf("[%s] Failed to mark VPS %d as abnormal: %s", label, vps.ID, err)
		return
	}
	entry.appliedState = persistence.StateAbnormal
	logrus.Warnf("[%s] VPS %d marked as abnormal after %d consecutive failures: %s",
		label, vps.ID, entry.ConsecutiveFailures, reason)
}

// isNew means the machine has no stored update timestamp and has never had a
// successful check this process lifetime.
func isNew(vps *persistence.VPS, entry *Entry) bool {
	if vps.UpdateTime != "" {
		return false
	}
	return entry.LastSuccessAt.IsZero()
}
