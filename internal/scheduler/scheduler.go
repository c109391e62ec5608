// Package scheduler fires time-triggered agent spawns for one agency.
// It is alarm-driven: each active schedule holds at most one pending
// time.Timer, re-armed after every firing.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/openagency/agencyd/internal/bus"
	"github.com/openagency/agencyd/internal/store"
	"github.com/openagency/agencyd/pkg/protocol"
)

// queueRetryDelay is how long a queue-policy firing waits before re-checking
// for a still-running predecessor.
const queueRetryDelay = 500 * time.Millisecond

// SpawnFunc registers and invokes one agent; it returns the new agent id.
// Injected by the hub so the scheduler stays decoupled from the runtime.
type SpawnFunc func(ctx context.Context, agentType string, input json.RawMessage) (string, error)

// Scheduler owns the schedules and schedule_runs of a single agency.
type Scheduler struct {
	agency  string
	catalog *store.AgencyStore
	spawn   SpawnFunc
	bus     bus.EventPublisher
	log     *slog.Logger
	gron    *gronx.Gronx

	mu      sync.Mutex
	alarms  map[string]*time.Timer
	byAgent map[string]openRun // agentID -> run row awaiting the agent's terminal status
	closed  bool
}

func New(agency string, catalog *store.AgencyStore, spawn SpawnFunc, pub bus.EventPublisher, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		agency:  agency,
		catalog: catalog,
		spawn:   spawn,
		bus:     pub,
		log:     log,
		gron:    gronx.New(),
		alarms:  make(map[string]*time.Timer),
		byAgent: make(map[string]openRun),
	}
}

// Start arms an alarm for every active schedule already on disk.
func (s *Scheduler) Start(ctx context.Context) error {
	schedules, err := s.catalog.ListSchedules(ctx, s.agency)
	if err != nil {
		return err
	}
	for i := range schedules {
		sc := &schedules[i]
		if sc.Status != store.ScheduleActive {
			continue
		}
		if err := s.armNext(ctx, sc); err != nil {
			s.log.Warn("arm schedule failed", "schedule", sc.ID, "error", err)
		}
	}
	return nil
}

// Stop disarms every alarm. In-flight firings finish on their own.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, timer := range s.alarms {
		timer.Stop()
		delete(s.alarms, id)
	}
}

// Create validates and persists a schedule, then arms its first alarm.
func (s *Scheduler) Create(ctx context.Context, sc *store.Schedule) error {
	if err := s.validate(sc); err != nil {
		return err
	}
	if err := s.catalog.CreateSchedule(ctx, s.agency, sc); err != nil {
		return err
	}
	if sc.Status == store.ScheduleActive {
		return s.armNext(ctx, sc)
	}
	return nil
}

// Update persists changes and re-derives the alarm: any timing field change
// recomputes the next run; a paused or disabled schedule loses its alarm.
func (s *Scheduler) Update(ctx context.Context, sc *store.Schedule) error {
	if err := s.validate(sc); err != nil {
		return err
	}
	s.disarm(sc.ID)
	if sc.Status != store.ScheduleActive {
		sc.NextRunAt = 0
		return s.catalog.UpdateSchedule(ctx, sc)
	}
	return s.armNext(ctx, sc)
}

// Delete removes the schedule, its run history, and its alarm.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	s.disarm(id)
	return s.catalog.DeleteSchedule(ctx, id)
}

// Pause clears the pending alarm and marks the schedule paused.
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	sc, err := s.catalog.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	s.disarm(id)
	sc.Status = store.SchedulePausedSt
	sc.NextRunAt = 0
	return s.catalog.UpdateSchedule(ctx, sc)
}

// Resume reactivates a paused schedule and recomputes its next firing.
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	sc, err := s.catalog.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	sc.Status = store.ScheduleActive
	return s.armNext(ctx, sc)
}

// Trigger fires the schedule immediately, bypassing the overlap policy and
// leaving the natural alarm chain (lastRunAt, nextRunAt) untouched.
func (s *Scheduler) Trigger(ctx context.Context, id string) error {
	sc, err := s.catalog.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	return s.executeRun(ctx, sc)
}

// openRun tracks one running row until its agent terminates.
type openRun struct {
	runID      string
	scheduleID string
}

// AgentTerminal closes the open run row tracking agentID, if any. Wired to
// the runtime's terminal hook by the hub. result is the agent's final
// assistant content, recorded on completed rows.
func (s *Scheduler) AgentTerminal(agentID, status, result string) {
	s.mu.Lock()
	open, ok := s.byAgent[agentID]
	delete(s.byAgent, agentID)
	s.mu.Unlock()
	if !ok {
		return
	}

	ctx := context.Background()
	run := &store.ScheduleRun{
		ID:          open.runID,
		ScheduleID:  open.scheduleID,
		AgentID:     agentID,
		CompletedAt: nowMs(),
	}
	switch status {
	case store.StatusCompleted:
		run.Status = store.RunCompleted
		run.Result = result
	default:
		run.Status = store.RunFailed
		run.Error = "agent finished with status " + status
	}
	if err := s.updateRunClosing(ctx, run); err != nil {
		s.log.Warn("close schedule run failed", "run", open.runID, "error", err)
	}
}

func (s *Scheduler) validate(sc *store.Schedule) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	if sc.Type == store.ScheduleCron && !s.gron.IsValid(sc.Cron) {
		return fmt.Errorf("invalid cron expression %q", sc.Cron)
	}
	if sc.Timezone != "" {
		if _, err := time.LoadLocation(sc.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q", sc.Timezone)
		}
	}
	return nil
}

// computeNextRun derives the next firing instant, honoring the schedule's
// timezone for cron expressions. ok=false means the schedule is spent.
func (s *Scheduler) computeNextRun(sc *store.Schedule, now time.Time) (time.Time, bool) {
	switch sc.Type {
	case store.ScheduleOnce:
		at := time.UnixMilli(sc.RunAt)
		if at.After(now) {
			return at, true
		}
		return time.Time{}, false
	case store.ScheduleCron:
		ref := now
		if sc.Timezone != "" {
			if loc, err := time.LoadLocation(sc.Timezone); err == nil {
				ref = now.In(loc)
			}
		}
		next, err := gronx.NextTickAfter(sc.Cron, ref, false)
		if err != nil {
			return time.Time{}, false
		}
		return next, true
	case store.ScheduleInterval:
		base := now
		if sc.LastRunAt > 0 {
			base = time.UnixMilli(sc.LastRunAt)
		}
		next := base.Add(time.Duration(sc.IntervalMs) * time.Millisecond)
		if next.Before(now) {
			next = now
		}
		return next, true
	}
	return time.Time{}, false
}

// armNext computes and persists nextRunAt and swaps in a fresh alarm.
func (s *Scheduler) armNext(ctx context.Context, sc *store.Schedule) error {
	now := time.Now()
	next, ok := s.computeNextRun(sc, now)
	if !ok {
		sc.Status = store.ScheduleDisabled
		sc.NextRunAt = 0
		s.disarm(sc.ID)
		return s.catalog.UpdateSchedule(ctx, sc)
	}
	sc.NextRunAt = next.UnixMilli()
	if err := s.catalog.UpdateSchedule(ctx, sc); err != nil {
		return err
	}
	s.arm(sc.ID, time.Until(next))
	return nil
}

func (s *Scheduler) arm(id string, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if old, ok := s.alarms[id]; ok {
		old.Stop()
	}
	s.alarms[id] = time.AfterFunc(delay, func() { s.fire(id) })
}

func (s *Scheduler) disarm(id string) {
	s.mu.Lock()
	if timer, ok := s.alarms[id]; ok {
		timer.Stop()
		delete(s.alarms, id)
	}
	s.mu.Unlock()
}

// fire handles one alarm: overlap policy, spawn, chain re-arm.
func (s *Scheduler) fire(id string) {
	ctx := context.Background()
	sc, err := s.catalog.GetSchedule(ctx, id)
	if err != nil || sc.Status != store.ScheduleActive {
		return
	}

	if sc.OverlapPolicy != store.OverlapAllow {
		active, err := s.catalog.CountActiveRuns(ctx, id)
		if err != nil {
			s.log.Warn("overlap check failed", "schedule", id, "error", err)
			return
		}
		if active > 0 {
			switch sc.OverlapPolicy {
			case store.OverlapQueue:
				// Leave the firing pending: retry shortly without consuming
				// this slot in the chain.
				s.arm(id, queueRetryDelay)
				return
			default: // skip
				now := nowMs()
				skipped := &store.ScheduleRun{
					ScheduleID:  id,
					Status:      store.RunSkipped,
					ScheduledAt: now,
				}
				if err := s.catalog.InsertScheduleRun(ctx, skipped); err != nil {
					s.log.Warn("record skipped run failed", "schedule", id, "error", err)
				}
				s.broadcast(protocol.EventScheduleSkipped, map[string]any{"scheduleId": id})
				s.advanceChain(ctx, sc, now)
				return
			}
		}
	}

	if err := s.executeRun(ctx, sc); err != nil {
		s.log.Error("schedule run failed", "schedule", id, "error", err)
	}
	s.advanceChain(ctx, sc, nowMs())
}

// executeRun inserts the run row and spawns the agent, retrying failed
// spawns instantly up to maxRetries. The row stays running until the spawned
// agent reaches a terminal status (AgentTerminal closes it).
func (s *Scheduler) executeRun(ctx context.Context, sc *store.Schedule) error {
	now := nowMs()
	run := &store.ScheduleRun{
		ScheduleID:  sc.ID,
		Status:      store.RunRunning,
		ScheduledAt: now,
		StartedAt:   now,
	}
	if err := s.catalog.InsertScheduleRun(ctx, run); err != nil {
		return err
	}

	var agentID string
	var err error
	for attempt := 0; ; attempt++ {
		agentID, err = s.spawn(ctx, sc.AgentType, sc.Input)
		if err == nil {
			break
		}
		if attempt >= sc.MaxRetries {
			run.Status = store.RunFailed
			run.Error = err.Error()
			run.CompletedAt = nowMs()
			run.RetryCount = attempt
			if uerr := s.catalog.UpdateScheduleRun(ctx, run); uerr != nil {
				s.log.Warn("update failed run", "run", run.ID, "error", uerr)
			}
			return err
		}
		run.RetryCount = attempt + 1
	}

	run.AgentID = agentID
	if err := s.catalog.UpdateScheduleRun(ctx, run); err != nil {
		s.log.Warn("update running run", "run", run.ID, "error", err)
	}

	s.mu.Lock()
	s.byAgent[agentID] = openRun{runID: run.ID, scheduleID: sc.ID}
	s.mu.Unlock()

	s.broadcast(protocol.EventScheduleFired, map[string]any{
		"scheduleId": sc.ID,
		"agentId":    agentID,
	})
	return nil
}

// advanceChain updates lastRunAt and arms the next alarm; a spent once
// schedule is disabled instead.
func (s *Scheduler) advanceChain(ctx context.Context, sc *store.Schedule, firedAt int64) {
	if firedAt > sc.LastRunAt {
		sc.LastRunAt = firedAt
	}
	if sc.Type == store.ScheduleOnce {
		sc.Status = store.ScheduleDisabled
		sc.NextRunAt = 0
		s.disarm(sc.ID)
		if err := s.catalog.UpdateSchedule(ctx, sc); err != nil {
			s.log.Warn("disable once schedule failed", "schedule", sc.ID, "error", err)
		}
		return
	}
	if err := s.armNext(ctx, sc); err != nil {
		s.log.Warn("re-arm schedule failed", "schedule", sc.ID, "error", err)
	}
}

func (s *Scheduler) updateRunClosing(ctx context.Context, closing *store.ScheduleRun) error {
	// Merge onto the stored row so retryCount and timestamps survive.
	runs, err := s.catalog.ListScheduleRuns(ctx, closing.ScheduleID)
	if err == nil {
		for i := range runs {
			if runs[i].ID == closing.ID {
				merged := runs[i]
				merged.Status = closing.Status
				merged.Error = closing.Error
				merged.Result = closing.Result
				merged.CompletedAt = closing.CompletedAt
				return s.catalog.UpdateScheduleRun(ctx, &merged)
			}
		}
	}
	return s.catalog.UpdateScheduleRun(ctx, closing)
}

func (s *Scheduler) broadcast(typ string, data map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Broadcast(protocol.EventFrame{
		Type:     typ,
		AgencyID: s.agency,
		TS:       nowMs(),
		Data:     data,
	})
}

func nowMs() int64 { return time.Now().UnixMilli() }
