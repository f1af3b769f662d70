package main

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lagren/vpsguard/expiry"
	"github.com/lagren/vpsguard/health"
	"github.com/lagren/vpsguard/persistence"
	"github.com/lagren/vpsguard/providers"
	"github.com/lagren/vpsguard/reminder"
	"github.com/lagren/vpsguard/scrape"
)

const pollInterval = 10 * time.Second

// monitor drives the fleet: each tick runs a health pass over all machines,
// then a reminder pass. One machine's failure never stops a pass.
type monitor struct {
	store     *persistence.Store
	fetcher   *scrape.Fetcher
	health    *health.Tracker
	reminders *reminder.Scheduler
}

func newMonitor(store *persistence.Store, messenger reminder.Messenger) *monitor {
	return &monitor{
		store:     store,
		fetcher:   scrape.New(),
		health:    health.NewTracker(store),
		reminders: reminder.NewScheduler(store, messenger),
	}
}

// run executes ticks until the context is cancelled. The first tick runs
// immediately.
func (m *monitor) run(ctx context.Context) {
	logrus.Infof("Monitor loop started (interval %s)", pollInterval)
	defer logrus.Infof("Monitor loop stopped")

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	m.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *monitor) tick(ctx context.Context) {
	m.healthPass(ctx)
	m.reminderPass(ctx)
}

// healthPass scrapes every machine's status page and feeds the outcome into
// the health tracker, then evicts tracker entries for deleted machines.
func (m *monitor) healthPass(ctx context.Context) {
	list, err := m.store.List(ctx)
	if err != nil {
		logrus.Errorf("Could not list machines for health pass: %s", err)
		return
	}
	if len(list) == 0 {
		logrus.Debugf("No VPS records found for monitoring")
		m.health.Cleanup(map[uint]bool{})
		return
	}

	active := make(map[uint]bool, len(list))
	for i := range list {
		vps := &list[i]
		active[vps.ID] = true

		provider, ok := providers.Lookup(vps.Ops)
		if !ok {
			logrus.Warnf("Unable to recognise provider %q for VPS %d", vps.Ops, vps.ID)
			continue
		}

		entry := m.health.Ensure(vps.ID, vps.State)
		m.checkOne(ctx, vps, provider, entry)
	}
	m.health.Cleanup(active)
}

func (m *monitor) checkOne(ctx context.Context, vps *persistence.VPS, provider providers.Provider, entry *health.Entry) {
	if remaining := m.health.WarmupRemaining(vps, entry); remaining > 0 {
		logrus.Debugf("[%s] VPS %d warmup in progress (%.1fs remaining)",
			provider.Label, vps.ID, remaining.Seconds())
		return
	}

	headers := make(map[string]string, len(provider.Headers)+1)
	for name, value := range provider.Headers {
		headers[name] = value
	}
	headers[provider.CookieHeader] = vps.Cookie

	info, fail := m.fetcher.Check(ctx, provider.URL, headers, provider.Label)
	if fail != nil {
		m.health.RecordFailure(ctx, vps, provider.Label, fail.Detail)
		return
	}

	lease := persistence.Lease{
		CreationDate: info[scrape.LabelCreationDate],
		ValidUntil:   info[scrape.LabelValidUntil],
		Location:     info[scrape.LabelLocation],
		IPv6:         info[scrape.LabelIPv6],
		RAM:          info[scrape.LabelRAM],
		DiskTotal:    info[scrape.LabelDiskTotal],
	}
	if instant, ok := expiry.Calculate(lease.CreationDate, lease.ValidUntil); ok {
		lease.ExpiryISO = instant.Format(time.RFC3339)
	}

	// A storage hiccup must not flap the machine abnormal: the check still
	// counts as healthy.
	if err := m.store.UpdateLease(ctx, vps.ID, lease); err != nil {
		logrus.Errorf("[%s] Failed to persist info for VPS %d: %s", provider.Label, vps.ID, err)
	}
	m.health.RecordSuccess(ctx, vps.ID, provider.Label)
}

// reminderPass resolves every machine's expiry, keeps the persisted cache in
// step and lets the scheduler decide on notifications. Cleanup of vanished
// machines runs even when individual machines fail.
func (m *monitor) reminderPass(ctx context.Context) {
	list, err := m.store.List(ctx)
	if err != nil {
		logrus.Errorf("Could not list machines for reminder pass: %s", err)
		return
	}

	active := make(map[uint]bool, len(list))
	for i := range list {
		vps := &list[i]
		active[vps.ID] = true

		res := expiry.Resolve(vps.CreationDate, vps.ValidUntil, vps.ExpiryUTC)
		if res.ISO != "" && res.ISO != vps.ExpiryUTC {
			if err := m.store.UpdateExpiry(ctx, vps.ID, res.ISO); err != nil {
				logrus.Errorf("Failed to update cached expiry for VPS %d: %s", vps.ID, err)
			}
		}

		m.reminders.Process(ctx, vps, res)
	}
	m.reminders.Cleanup(ctx, active)
}
