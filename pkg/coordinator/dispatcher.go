package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/pursuitworks/govern/pkg/contracts"
	"github.com/pursuitworks/govern/pkg/store"
)

// AutomationExecutor performs the external submission work for a run
// and returns a free-form receipt detail.
type AutomationExecutor interface {
	Execute(ctx context.Context, submissionID, runID string) (string, error)
}

// ResultRecorder closes a run with the executor's verdict. Satisfied by
// the workflow engine.
type ResultRecorder interface {
	RecordAutomationResult(ctx context.Context, runID string, success bool, detail string) (*contracts.AuditEntry, error)
}

// AutomationTrigger hands a run off to an out-of-process executor,
// which later reports its verdict through the run result API.
type AutomationTrigger interface {
	Trigger(ctx context.Context, p store.AutomationPayload) error
}

// DispatcherParams configures an outbox dispatcher.
type DispatcherParams struct {
	Store    *store.Store
	Notifier Notifier
	Executor AutomationExecutor
	Recorder ResultRecorder
	// Trigger is used instead of Executor when automation runs out of
	// process.
	Trigger AutomationTrigger
	// MaxAttempts parks a message as failed after this many dispatch
	// attempts. Defaults to 5.
	MaxAttempts int
	// Batch bounds how many messages one pass picks up. Defaults to 50.
	Batch int
	// RatePerSecond paces outbound dispatches. Defaults to 20.
	RatePerSecond float64
	Logger        *slog.Logger
}

// Dispatcher drains the transactional outbox. Messages were written in
// the same transaction as the workflow state they describe, so a crash
// between commit and dispatch loses nothing; the next pass retries.
type Dispatcher struct {
	store       *store.Store
	notifier    Notifier
	executor    AutomationExecutor
	recorder    ResultRecorder
	trigger     AutomationTrigger
	limiter     *rate.Limiter
	maxAttempts int
	batch       int
	logger      *slog.Logger
	clock       func() time.Time
}

// NewDispatcher builds a dispatcher.
func NewDispatcher(p DispatcherParams) *Dispatcher {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.Batch <= 0 {
		p.Batch = 50
	}
	if p.RatePerSecond <= 0 {
		p.RatePerSecond = 20
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:       p.Store,
		notifier:    p.Notifier,
		executor:    p.Executor,
		recorder:    p.Recorder,
		trigger:     p.Trigger,
		limiter:     rate.NewLimiter(rate.Limit(p.RatePerSecond), 2*int(p.RatePerSecond)),
		maxAttempts: p.MaxAttempts,
		batch:       p.Batch,
		logger:      logger,
		clock:       time.Now,
	}
}

// WithClock overrides the time source for tests.
func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

// DispatchPending delivers one batch of pending messages and returns
// how many were dispatched successfully.
func (d *Dispatcher) DispatchPending(ctx context.Context) (int, error) {
	msgs, err := d.store.PendingOutbox(ctx, d.batch)
	if err != nil {
		return 0, err
	}

	sent := 0
	for i := range msgs {
		msg := &msgs[i]
		if err := d.limiter.Wait(ctx); err != nil {
			return sent, err
		}
		if err := d.dispatch(ctx, msg); err != nil {
			d.logger.Warn("outbox dispatch failed",
				"message_id", msg.ID, "kind", msg.Kind,
				"attempts", msg.Attempts+1, "error", err)
			if ferr := d.store.RecordDispatchFailure(ctx, msg.ID, msg.Attempts+1, d.maxAttempts, err.Error()); ferr != nil {
				return sent, ferr
			}
			continue
		}
		if err := d.store.MarkDispatched(ctx, msg.ID, d.clock().UTC()); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, msg *store.OutboxMessage) error {
	switch msg.Kind {
	case store.OutboxNotification:
		if d.notifier == nil {
			return errors.New("no notifier configured")
		}
		var p store.NotificationPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("corrupt notification payload: %w", err)
		}
		return d.notifier.Notify(ctx, p)

	case store.OutboxAutomation:
		var p store.AutomationPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("corrupt automation payload: %w", err)
		}
		if d.executor == nil || d.recorder == nil {
			if d.trigger == nil {
				return errors.New("no automation executor or trigger configured")
			}
			return d.trigger.Trigger(ctx, p)
		}
		detail, execErr := d.executor.Execute(ctx, p.SubmissionID, p.RunID)
		if execErr != nil {
			detail = execErr.Error()
		}
		// The executor's verdict is recorded either way; an automation
		// failure is a workflow fact, not a dispatch failure.
		if _, err := d.recorder.RecordAutomationResult(ctx, p.RunID, execErr == nil, detail); err != nil {
			// A duplicate callback already closed the run.
			if errors.Is(err, contracts.ErrConflict) {
				return nil
			}
			return err
		}
		return nil

	default:
		return fmt.Errorf("unknown outbox kind %q", msg.Kind)
	}
}

// Run drains the outbox on the interval until the context is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.DispatchPending(ctx); err != nil {
				d.logger.Error("outbox pass failed", "error", err)
			}
		}
	}
}
