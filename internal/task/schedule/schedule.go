// Package schedule registers recurring work (cron specs or fixed
// intervals) that is submitted to the task manager on each trigger.
//
// The service is trigger-only: execution, retries, and timeouts all
// happen in the manager.
package schedule

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskmill/internal/task/manager"
	logx "taskmill/pkg/logx"
)

type Config struct {
	// Timezone for cron evaluation, e.g. "Europe/Berlin".
	// Empty means local time.
	Timezone string
}

type def struct {
	name  string
	spec  string
	opts  manager.SubmitOptions
	work  manager.Work
	entry cron.EntryID
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	mgr *manager.Service

	parser cron.Parser
	c      *cron.Cron
	defs   []def
}

func New(cfg Config, mgr *manager.Service, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		mgr: mgr,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// AddCron registers (or replaces, by name) a cron-triggered submission.
// Accepts standard specs ("*/5 * * * *"), descriptors ("@hourly"), and
// "@every 55m".
func (s *Service) AddCron(name, spec string, opts manager.SubmitOptions, work manager.Work) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if work == nil {
		return errors.New("work required")
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return err
	}
	// Every trigger needs a fresh task ID; a fixed one would collide
	// on the second fire.
	opts.ID = ""

	s.mu.Lock()
	defer s.mu.Unlock()

	// Upsert by name so hot-reloads and repeated registrations don't
	// stack duplicate triggers.
	s.removeLocked(name)
	d := def{name: name, spec: spec, opts: opts, work: work}
	s.defs = append(s.defs, d)
	if s.c != nil {
		return s.registerLocked(&s.defs[len(s.defs)-1])
	}
	return nil
}

// AddInterval registers a fixed-interval submission.
func (s *Service) AddInterval(name string, every time.Duration, opts manager.SubmitOptions, work manager.Work) error {
	if every <= 0 {
		return errors.New("interval must be > 0")
	}
	return s.AddCron(name, "@every "+every.String(), opts, work)
}

// Remove drops a registered schedule by name.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

// Names lists registered schedule names.
func (s *Service) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d.name)
	}
	return out
}

// Start begins cron triggering. Idempotent.
func (s *Service) Start(ctx context.Context) {
	_ = ctx // reserved for context-driven stop policies

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}

	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			s.log.Warn("invalid timezone; falling back to local", logx.String("tz", tz), logx.Any("err", err))
		} else {
			loc = l
		}
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	for i := range s.defs {
		if err := s.registerLocked(&s.defs[i]); err != nil {
			s.log.Error("schedule register failed", logx.String("name", s.defs[i].name), logx.String("spec", s.defs[i].spec), logx.Any("err", err))
		}
	}
	s.c.Start()
	s.log.Info("schedule service started", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop stops cron triggering; already-submitted tasks stay with the
// manager. Definitions remain and resume on the next Start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
	s.log.Info("schedule service stopped")
}

func (s *Service) registerLocked(d *def) error {
	name := d.name
	opts := d.opts
	work := d.work
	id, err := s.c.AddFunc(d.spec, func() {
		taskID, err := s.mgr.Submit(work, opts)
		if err != nil {
			s.log.Warn("scheduled submit failed", logx.String("schedule", name), logx.Any("err", err))
			return
		}
		s.log.Debug("scheduled task submitted", logx.String("schedule", name), logx.String("task", taskID))
	})
	if err != nil {
		return err
	}
	d.entry = id
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", d.spec))
	return nil
}

func (s *Service) removeLocked(name string) bool {
	for i, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entry != 0 {
				s.c.Remove(d.entry)
			}
			s.defs = append(s.defs[:i], s.defs[i+1:]...)
			return true
		}
	}
	return false
}
