package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"eventbot/internal/task/engine"
	logx "eventbot/pkg/logx"
)

var (
	ErrNameRequired = errors.New("schedule name required")
	ErrAtRequired   = errors.New("one-shot time required")
)

// AddCron registers a cron spec ("*/5 * * * *", "@hourly"). Registering an
// existing name replaces it. Overlapping runs are skipped by default.
func (s *Service) AddCron(name, spec string, timeout time.Duration, job Job) error {
	return s.addDef(scheduleDef{name: name, spec: spec, timeout: timeout, job: job, opt: engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning}})
}

func (s *Service) AddInterval(name string, every, timeout time.Duration, job Job) error {
	return s.AddIntervalOpt(name, every, timeout, engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning}, job)
}

func (s *Service) AddIntervalOpt(name string, every, timeout time.Duration, opt engine.TaskOptions, job Job) error {
	if every <= 0 {
		return fmt.Errorf("interval must be positive, got %s", every)
	}
	return s.addDef(scheduleDef{name: name, spec: "@every " + every.String(), timeout: timeout, job: job, opt: opt})
}

func (s *Service) addDef(d scheduleDef) error {
	d.name = strings.TrimSpace(d.name)
	if d.name == "" {
		return ErrNameRequired
	}
	if d.job == nil {
		return fmt.Errorf("schedule %s: job is nil", d.name)
	}
	s.Remove(d.name)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs = append(s.defs, d)
	if s.c == nil {
		// Registered on Start.
		return nil
	}
	def := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(def); err != nil {
		s.defs = s.defs[:len(s.defs)-1]
		s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		return err
	}
	s.log.Debug("schedule registered", logx.String("name", d.name), logx.String("spec", d.spec), logx.Duration("spread", def.spread))
	return nil
}

// AddOnce runs job once at the given instant. Registering an existing name
// replaces the previous timer; a callback from the replaced timer is ignored.
func (s *Service) AddOnce(name string, at time.Time, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrNameRequired
	}
	if at.IsZero() {
		return ErrAtRequired
	}
	if job == nil {
		return fmt.Errorf("schedule %s: job is nil", name)
	}

	s.tmu.Lock()
	defer s.tmu.Unlock()
	if prev := s.once[name]; prev != nil && prev.timer != nil {
		prev.timer.Stop()
	}
	s.onceVer++
	d := &onceDef{at: at, timeout: timeout, job: job, ver: s.onceVer}
	s.once[name] = d
	if s.started {
		s.armLocked(name, d)
	}
	return nil
}

// Has reports whether a schedule or pending one-shot exists under name.
func (s *Service) Has(name string) bool {
	s.tmu.Lock()
	_, ok := s.once[name]
	s.tmu.Unlock()
	if ok {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defs {
		if d.name == name {
			return true
		}
	}
	return false
}

// Remove unschedules everything registered under name and reports whether
// anything was removed.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	removed := false

	s.mu.Lock()
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	s.mu.Unlock()

	s.tmu.Lock()
	if d, ok := s.once[name]; ok {
		if d.timer != nil {
			d.timer.Stop()
		}
		delete(s.once, name)
		removed = true
	}
	s.tmu.Unlock()

	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// RemovePrefix removes every one-shot whose name starts with prefix.
func (s *Service) RemovePrefix(prefix string) int {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	n := 0
	for name, d := range s.once {
		if strings.HasPrefix(name, prefix) {
			if d.timer != nil {
				d.timer.Stop()
			}
			delete(s.once, name)
			n++
		}
	}
	return n
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	name, timeout, job, opt := d.name, d.timeout, d.job, d.opt
	fire := func() {
		s.enqueue(engine.Task{Name: name, Timeout: timeout, Run: job, Opt: opt})
	}

	// Spread the first run of interval schedules to avoid a burst at start.
	if every, ok := strings.CutPrefix(d.spec, "@every "); ok {
		if dur, err := time.ParseDuration(every); err == nil && dur > 0 {
			sched, spread := makeIntervalScheduleWithSpread(dur, time.Now().In(s.loc), d.name)
			d.spread = spread
			d.entryID = s.c.Schedule(sched, cron.FuncJob(fire))
			return nil
		}
	}
	d.spread = 0
	id, err := s.c.AddFunc(d.spec, fire)
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

func (s *Service) armLocked(name string, d *onceDef) {
	delay := d.at.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	ver := d.ver
	d.timer = s.clock.AfterFunc(delay, func() { s.fireOnce(name, ver) })
}

func (s *Service) fireOnce(name string, ver uint64) {
	s.tmu.Lock()
	d := s.once[name]
	if d == nil || d.ver != ver {
		s.tmu.Unlock()
		return
	}
	delete(s.once, name)
	s.tmu.Unlock()

	s.enqueue(engine.Task{Name: name, Timeout: d.timeout, Run: d.job, Opt: engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning}})
}

func (s *Service) enqueue(t engine.Task) {
	if s.enq == nil {
		return
	}
	if err := s.enq.Enqueue(t); err != nil {
		s.reportEnqueueError(t.Name, err)
	}
}
