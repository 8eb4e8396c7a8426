// Package maintenance runs the host's background cron jobs: a periodic
// idle-session sweep, and any plugin-declared "on_schedule:<spec>"
// activation events.
package maintenance

import (
	"context"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/vaultkeep/vaultkeep/internal/host"
	"github.com/vaultkeep/vaultkeep/internal/logging"
)

// schedulePrefix marks an activation_events tag as a cron trigger rather
// than a host-emitted event, e.g. "on_schedule:@every 5m".
const schedulePrefix = "on_schedule:"

// Scheduler owns the cron runner wiring idle sweep and on_schedule
// triggers to a Host.
type Scheduler struct {
	cron *cron.Cron
	h    *host.Host
}

// New builds a Scheduler for h. idleSweepSpec is a standard cron
// expression (robfig/cron syntax, including "@every" descriptors).
func New(h *host.Host, idleSweepSpec string) (*Scheduler, error) {
	s := &Scheduler{cron: cron.New(), h: h}

	if _, err := s.cron.AddFunc(idleSweepSpec, func() {
		n := h.SweepIdleSessions()
		if n > 0 {
			logging.Session().Info().Int("count", n).Msg("idle sweep evicted sessions")
		}
	}); err != nil {
		return nil, err
	}

	for tag, spec := range scheduleTags(h) {
		tag, spec := tag, spec
		if _, err := s.cron.AddFunc(spec, func() {
			s.h.Trigger(context.Background(), tag)
		}); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// scheduleTags scans every registered plugin's activation_events for
// "on_schedule:<spec>" tags and returns a map of full tag to its cron spec.
func scheduleTags(h *host.Host) map[string]string {
	out := make(map[string]string)
	for _, rec := range h.Registry.All() {
		for _, tag := range rec.Manifest.ActivationEvents {
			if strings.HasPrefix(tag, schedulePrefix) {
				out[tag] = strings.TrimPrefix(tag, schedulePrefix)
			}
		}
	}
	return out
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for any running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
