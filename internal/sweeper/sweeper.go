// Package sweeper reconciles exam and attempt state with the wall clock.
//
// A sweep persists the time-derived exam statuses, closes IN_PROGRESS
// attempts whose time has run out as TIMED_OUT, and grades every closed
// attempt that is not graded yet. Every write is conditional on the status it
// read, so sweeps are idempotent and safe to run concurrently with requests.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/examhall/internal/model"
	"github.com/pavelanni/examhall/internal/store"
)

// DefaultSchedule runs a sweep once a minute.
const DefaultSchedule = "@every 60s"

// Scheduler runs jobs on a cron-style schedule. *cron.Cron satisfies it.
type Scheduler interface {
	AddFunc(spec string, cmd func()) (cron.EntryID, error)
	Start()
	Stop() context.Context
}

// Grader grades closed attempts.
type Grader interface {
	GradeAttempt(ctx context.Context, attemptID int64) (model.Attempt, error)
}

// Result counts what one sweep changed.
type Result struct {
	ExamsStarted  int
	ExamsFinished int
	TimedOut      int
	Graded        int
	Failed        int
}

// Sweeper is the timeout reconciliation process.
type Sweeper struct {
	store    *store.Store
	grader   Grader
	clock    clockwork.Clock
	workers  int
	schedule string
}

// Options configures a Sweeper.
type Options struct {
	Clock clockwork.Clock
	// Schedule is a cron spec such as "@every 60s" or "*/2 * * * *".
	Schedule string
	// Workers bounds concurrent grading calls within one sweep.
	Workers int
}

// New returns a Sweeper. A nil grader leaves closed attempts ungraded.
func New(st *store.Store, grader Grader, opts Options) *Sweeper {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &Sweeper{store: st, grader: grader, clock: opts.Clock, workers: opts.Workers, schedule: opts.Schedule}
}

// NewCron returns a cron scheduler that skips a tick while the previous
// sweep is still running and logs through slog.
func NewCron() *cron.Cron {
	l := cronLogger{}
	return cron.New(
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)
}

// Run registers the sweep with sched and blocks until ctx is done. On
// shutdown it stops the scheduler and waits for an in-flight sweep to finish.
func (s *Sweeper) Run(ctx context.Context, sched Scheduler) error {
	// The in-flight sweep must not be cut short by shutdown.
	sweepCtx := context.WithoutCancel(ctx)
	_, err := sched.AddFunc(s.schedule, func() {
		if _, err := s.Sweep(sweepCtx); err != nil {
			slog.Error("sweep failed, retrying on next tick", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweep %q: %w", s.schedule, err)
	}
	sched.Start()
	slog.Info("sweeper started", "schedule", s.schedule)

	<-ctx.Done()
	<-sched.Stop().Done()
	slog.Info("sweeper stopped")
	return nil
}

// Sweep performs one reconciliation pass. It returns an error only when the
// pass could not read its work; failures on single items are logged, counted
// in Result.Failed and retried by the next pass.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	now := s.clock.Now()

	if err := s.advanceExams(ctx, now, &res); err != nil {
		return res, err
	}
	if err := s.timeOutAttempts(ctx, now, &res); err != nil {
		return res, err
	}
	if err := s.gradePending(ctx, &res); err != nil {
		return res, err
	}

	slog.Info("sweep complete",
		"exams_started", res.ExamsStarted, "exams_finished", res.ExamsFinished,
		"timed_out", res.TimedOut, "graded", res.Graded, "failed", res.Failed)
	return res, nil
}

// advanceExams persists PUBLISHED -> ONGOING -> FINISHED as the clock passes
// each exam's start and end.
func (s *Sweeper) advanceExams(ctx context.Context, now time.Time, res *Result) error {
	exams, err := s.store.ListExams(ctx, model.ExamFilter{Statuses: []model.ExamStatus{model.ExamPublished, model.ExamOngoing}})
	if err != nil {
		return fmt.Errorf("list active exams: %w", err)
	}
	for _, e := range exams {
		eff := e.EffectiveStatus(now)
		if eff == e.Status {
			continue
		}
		if e.Status == model.ExamPublished {
			ok, err := s.store.SetExamStatus(ctx, e.ID, model.ExamOngoing, model.ExamPublished)
			if err != nil {
				slog.Error("failed to start exam", "exam_id", e.ID, "error", err)
				res.Failed++
				continue
			}
			if ok {
				res.ExamsStarted++
			}
		}
		if eff == model.ExamFinished {
			ok, err := s.store.SetExamStatus(ctx, e.ID, model.ExamFinished, model.ExamOngoing)
			if err != nil {
				slog.Error("failed to finish exam", "exam_id", e.ID, "error", err)
				res.Failed++
				continue
			}
			if ok {
				res.ExamsFinished++
			}
		}
	}
	return nil
}

// timeOutAttempts closes every IN_PROGRESS attempt whose deadline has passed.
func (s *Sweeper) timeOutAttempts(ctx context.Context, now time.Time, res *Result) error {
	attempts, err := s.store.ListAttemptsByStatus(ctx, model.AttemptInProgress)
	if err != nil {
		return fmt.Errorf("list in-progress attempts: %w", err)
	}
	exams := make(map[int64]model.Exam)
	for _, a := range attempts {
		e, ok := exams[a.ExamID]
		if !ok {
			if e, err = s.store.GetExam(ctx, a.ExamID); err != nil {
				slog.Error("failed to load exam of attempt", "attempt_id", a.ID, "exam_id", a.ExamID, "error", err)
				res.Failed++
				continue
			}
			exams[a.ExamID] = e
		}
		if !a.Expired(e, now) {
			continue
		}
		at := a.Deadline(e).UTC()
		ok, err := s.store.TransitionAttempt(ctx, a.ID, []model.AttemptStatus{model.AttemptInProgress},
			model.AttemptUpdate{Status: model.AttemptTimedOut, SubmitTime: &at, EndReason: model.EndReasonTimedOut})
		if err != nil {
			slog.Error("failed to time out attempt", "attempt_id", a.ID, "error", err)
			res.Failed++
			continue
		}
		if ok {
			slog.Info("attempt timed out", "attempt_id", a.ID, "exam_id", a.ExamID, "student_id", a.StudentID, "deadline", at)
			res.TimedOut++
		}
	}
	return nil
}

// gradePending grades SUBMITTED and TIMED_OUT attempts, including ones whose
// grading failed on an earlier pass.
func (s *Sweeper) gradePending(ctx context.Context, res *Result) error {
	if s.grader == nil {
		return nil
	}
	pending, err := s.store.ListAttemptsByStatus(ctx, model.AttemptSubmitted, model.AttemptTimedOut)
	if err != nil {
		return fmt.Errorf("list ungraded attempts: %w", err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, a := range pending {
		g.Go(func() error {
			_, err := s.grader.GradeAttempt(gctx, a.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Error("failed to grade attempt", "attempt_id", a.ID, "exam_id", a.ExamID, "error", err)
				res.Failed++
				return nil
			}
			res.Graded++
			return nil
		})
	}
	return g.Wait()
}

// cronLogger routes cron's logging into slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
