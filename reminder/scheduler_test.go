package reminder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lagren/vpsguard/expiry"
	"github.com/lagren/vpsguard/persistence"
)

type fakeQueue struct {
	byKey    map[string]persistence.Notification
	queueErr error
	clears   int
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{byKey: make(map[string]persistence.Notification)}
}

func (f *fakeQueue) QueueNotification(ctx context.Context, n *persistence.Notification) error {
	if f.queueErr != nil {
		return f.queueErr
	}
	f.byKey[*n.DedupeKey] = *n
	return nil
}

func (f *fakeQueue) ClearPending(ctx context.Context, monitorID uint, types ...string) (int64, error) {
	f.clears++
	var removed int64
	for key, n := range f.byKey {
		if n.MonitorID != monitorID {
			continue
		}
		match := len(types) == 0
		for _, typ := range types {
			if n.Type == typ {
				match = true
			}
		}
		if match {
			delete(f.byKey, key)
			removed++
		}
	}
	return removed, nil
}

func (f *fakeQueue) ofType(typ string) []persistence.Notification {
	var list []persistence.Notification
	for _, n := range f.byKey {
		if n.Type == typ {
			list = append(list, n)
		}
	}
	return list
}

type sentMessage struct {
	monitorID uint
	text      string
	parseMode string
}

type fakeMessenger struct {
	sent []sentMessage
}

func (f *fakeMessenger) Send(ctx context.Context, monitorID uint, text string, parseMode string) error {
	f.sent = append(f.sent, sentMessage{monitorID: monitorID, text: text, parseMode: parseMode})
	return nil
}

func resolutionAt(instant time.Time) expiry.Resolution {
	instant = instant.UTC().Truncate(time.Second)
	return expiry.Resolution{
		Instant: instant,
		ISO:     instant.Format(time.RFC3339),
		Display: expiry.FormatDisplay(instant),
	}
}

func newTestScheduler() (*Scheduler, *fakeQueue, *fakeMessenger, *time.Time) {
	queue := newFakeQueue()
	messenger := &fakeMessenger{}
	s := NewScheduler(queue, messenger)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, queue, messenger, &now
}

func TestFarPhaseWarningIdempotent(t *testing.T) {
	s, queue, _, now := newTestScheduler()
	ctx := context.Background()

	vps := &persistence.VPS{ID: 1, Name: "box-1", Ops: "hax"}
	res := resolutionAt(now.Add(50 * time.Hour))

	s.Process(ctx, vps, res)
	s.Process(ctx, vps, res)

	warnings := queue.ofType(TypeWarning)
	require.Len(t, warnings, 1)
	n := warnings[0]
	assert.Equal(t, fmt.Sprintf("expiry-warning:1:%s", res.ISO), *n.DedupeKey)
	require.NotNil(t, n.ScheduledFor)
	assert.True(t, n.ScheduledFor.Equal(res.Instant.Add(-48*time.Hour)))
	assert.Contains(t, n.Title, "box-1")
	assert.Contains(t, n.OptionsJSON, "https://hax.co.id/vps-renew/")
	assert.Empty(t, queue.ofType(TypeHourly))
}

func TestHourlyOncePerSlot(t *testing.T) {
	s, queue, _, now := newTestScheduler()
	ctx := context.Background()

	vps := &persistence.VPS{ID: 2, Name: "box-2", Ops: "vc"}
	// One hour into the near phase: slot 1.
	res := resolutionAt(now.Add(47 * time.Hour))

	s.Process(ctx, vps, res)

	require.Len(t, queue.ofType(TypeHourly), 1)
	assert.Contains(t, queue.byKey, fmt.Sprintf("expiry-hourly:2:%s:1", res.ISO))

	// Still inside slot 1 ten minutes later: nothing new.
	*now = now.Add(10 * time.Minute)
	s.Process(ctx, vps, res)

	assert.Len(t, queue.ofType(TypeHourly), 1)

	// Next hour slot.
	*now = now.Add(55 * time.Minute)
	s.Process(ctx, vps, res)

	require.Len(t, queue.ofType(TypeHourly), 2)
	assert.Contains(t, queue.byKey, fmt.Sprintf("expiry-hourly:2:%s:2", res.ISO))
}

func TestHourlySlotNotRecordedOnEnqueueError(t *testing.T) {
	s, queue, _, now := newTestScheduler()
	ctx := context.Background()

	vps := &persistence.VPS{ID: 3, Ops: "hax"}
	res := resolutionAt(now.Add(47 * time.Hour))

	queue.queueErr = errors.New("database is locked")
	s.Process(ctx, vps, res)

	assert.Empty(t, queue.ofType(TypeHourly))

	queue.queueErr = nil
	s.Process(ctx, vps, res)

	assert.Len(t, queue.ofType(TypeHourly), 1, "the slot must be retried after a failed enqueue")
}

func TestExpiryChangeDiscardsOldReminders(t *testing.T) {
	s, queue, _, now := newTestScheduler()
	ctx := context.Background()

	vps := &persistence.VPS{ID: 4, Name: "box-4", Ops: "woiden"}
	old := resolutionAt(now.Add(47 * time.Hour))

	s.Process(ctx, vps, old)

	require.Len(t, queue.ofType(TypeHourly), 1)

	// Lease renewed: everything keyed to the old instant goes away.
	renewed := resolutionAt(now.Add(5 * 24 * time.Hour))
	s.Process(ctx, vps, renewed)

	assert.Empty(t, queue.ofType(TypeHourly))
	warnings := queue.ofType(TypeWarning)
	require.Len(t, warnings, 1)
	assert.Contains(t, *warnings[0].DedupeKey, renewed.ISO)
	assert.False(t, s.entries[vps.ID].urgent)
}

func TestUnknownExpiryClearsAndDropsState(t *testing.T) {
	s, queue, messenger, now := newTestScheduler()
	ctx := context.Background()

	vps := &persistence.VPS{ID: 5, Ops: "hax"}
	s.Process(ctx, vps, resolutionAt(now.Add(50*time.Hour)))

	require.Len(t, queue.byKey, 1)

	s.Process(ctx, vps, expiry.Resolution{})

	assert.Empty(t, queue.byKey)
	assert.NotContains(t, s.entries, vps.ID)
	assert.Empty(t, messenger.sent)
}

func TestExpiredMachineStopsNagging(t *testing.T) {
	s, queue, messenger, now := newTestScheduler()
	ctx := context.Background()

	vps := &persistence.VPS{ID: 6, Ops: "hax"}
	s.Process(ctx, vps, resolutionAt(now.Add(50*time.Hour)))
	require.Len(t, queue.byKey, 1)

	s.Process(ctx, vps, resolutionAt(now.Add(-time.Hour)))

	assert.Empty(t, queue.byKey)
	assert.NotContains(t, s.entries, vps.ID)
	assert.Empty(t, messenger.sent, "expired machines must not message")
}

func TestRenewalMessageEveryPassInsideWindow(t *testing.T) {
	s, _, messenger, now := newTestScheduler()
	ctx := context.Background()

	vps := &persistence.VPS{ID: 7, Name: "box-7", Ops: "vc"}
	res := resolutionAt(now.Add(71 * time.Hour))

	s.Process(ctx, vps, res)
	s.Process(ctx, vps, res)
	s.Process(ctx, vps, res)

	require.Len(t, messenger.sent, 3, "the legacy message is deliberately not deduplicated")
	msg := messenger.sent[0]
	assert.Equal(t, uint(7), msg.monitorID)
	assert.Equal(t, "Markdown", msg.parseMode)
	assert.Contains(t, msg.text, "box-7")
	assert.Contains(t, msg.text, "[Renew](https://free.vps.vc/vps-renew)")
	assert.True(t, strings.Contains(msg.text, "about 2 days"))
}

func TestRenewalMessageUnknownProvider(t *testing.T) {
	s, _, messenger, now := newTestScheduler()
	ctx := context.Background()

	vps := &persistence.VPS{ID: 8, Ops: "somethingelse"}
	s.Process(ctx, vps, resolutionAt(now.Add(10*time.Hour)))

	require.Len(t, messenger.sent, 1)
	assert.Empty(t, messenger.sent[0].parseMode)
	assert.Contains(t, messenger.sent[0].text, "check")
}

func TestNoMessageOutsideWindow(t *testing.T) {
	s, _, messenger, now := newTestScheduler()
	ctx := context.Background()

	vps := &persistence.VPS{ID: 9, Ops: "hax"}
	s.Process(ctx, vps, resolutionAt(now.Add(80*time.Hour)))

	assert.Empty(t, messenger.sent)
}

func TestCleanupRemovesVanishedMachines(t *testing.T) {
	s, queue, _, now := newTestScheduler()
	ctx := context.Background()

	vps := &persistence.VPS{ID: 10, Ops: "hax"}
	s.Process(ctx, vps, resolutionAt(now.Add(50*time.Hour)))
	require.Len(t, queue.byKey, 1)

	s.Cleanup(ctx, map[uint]bool{})

	assert.Empty(t, queue.byKey)
	assert.Empty(t, s.entries)
}
