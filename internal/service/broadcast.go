package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"invite-gate/internal/config"
	"invite-gate/internal/errs"
	"invite-gate/internal/models"
	"invite-gate/internal/repository"
	"invite-gate/internal/transport"
)

type BroadcastDeps struct {
	Directory  repository.RecipientDirectory
	Runs       repository.BroadcastRunStore
	// Deliveries is optional; nil disables the delivery log.
	Deliveries repository.DeliveryRecorder
	Messenger  transport.Messenger
	Events     EventPublisher
}

// Broadcaster fans one payload out to a snapshot of the recipient directory.
// Runs are independent of each other; counters are local to a run.
type Broadcaster struct {
	root          context.Context
	directory     repository.RecipientDirectory
	runs          repository.BroadcastRunStore
	deliveries    repository.DeliveryRecorder
	messenger     transport.Messenger
	events        EventPublisher
	operatorID    int64
	delay         time.Duration
	progressEvery int
	flushEvery    int
	sendTimeout   time.Duration
	logger        *zap.Logger

	wg    sync.WaitGroup
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	newID func() string
}

// NewBroadcaster binds background runs to root; cancelling root stops them.
func NewBroadcaster(root context.Context, cfg *config.Config, deps BroadcastDeps, logger *zap.Logger) *Broadcaster {
	if deps.Events == nil {
		deps.Events = NopPublisher{}
	}
	flushEvery := cfg.Broadcast.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 100
	}
	progressEvery := cfg.Broadcast.ProgressEvery
	if progressEvery <= 0 {
		progressEvery = 10
	}
	return &Broadcaster{
		root:          root,
		directory:     deps.Directory,
		runs:          deps.Runs,
		deliveries:    deps.Deliveries,
		messenger:     deps.Messenger,
		events:        deps.Events,
		operatorID:    cfg.Broadcast.OperatorID,
		delay:         cfg.Broadcast.Delay,
		progressEvery: progressEvery,
		flushEvery:    flushEvery,
		sendTimeout:   cfg.Telegram.RequestTimeout,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
		sleep:         sleepContext,
		newID:         uuid.NewString,
	}
}

// IsOperator reports whether id may run operator-only actions.
func (b *Broadcaster) IsOperator(id int64) bool {
	return b.operatorID != 0 && id == b.operatorID
}

// broadcastJob is a prepared run: authorised, snapshotted and recorded.
type broadcastJob struct {
	run        *models.BroadcastRun
	recipients []int64
	payload    models.Payload
	status     *transport.MessageRef
}

// Command handles /broadcast. The payload is the replied-to message when there
// is one, otherwise the literal argument text.
func (b *Broadcaster) Command(ctx context.Context, ev transport.CommandEvent) error {
	const op = "Broadcaster.Command"
	if err := b.authorize(ctx, op, ev.Sender.ID); err != nil {
		return err
	}

	var payload models.Payload
	switch {
	case ev.Reply != nil:
		payload = *ev.Reply
	case ev.RawArgs != "":
		payload = models.TextPayload(ev.RawArgs)
	default:
		b.say(ctx, ev.Sender.ID, msgBroadcastUsage)
		return errs.Validation(op, msgBroadcastUsage)
	}

	_, err := b.Launch(ctx, ev.Sender.ID, payload)
	return err
}

// Launch prepares the run synchronously and delivers in the background. The
// returned record is the initial snapshot of the run.
func (b *Broadcaster) Launch(ctx context.Context, initiatorID int64, payload models.Payload) (*models.BroadcastRun, error) {
	job, err := b.prepare(ctx, initiatorID, payload)
	if err != nil {
		return nil, err
	}
	initial := *job.run

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.execute(b.root, job)
	}()
	return &initial, nil
}

// RunBroadcast runs to completion on the caller's goroutine.
func (b *Broadcaster) RunBroadcast(ctx context.Context, initiatorID int64, payload models.Payload) (*models.BroadcastRun, error) {
	job, err := b.prepare(ctx, initiatorID, payload)
	if err != nil {
		return nil, err
	}
	return b.execute(ctx, job), nil
}

// Wait blocks until every launched run has finished.
func (b *Broadcaster) Wait() {
	b.wg.Wait()
}

func (b *Broadcaster) authorize(ctx context.Context, op string, initiatorID int64) error {
	if b.IsOperator(initiatorID) {
		return nil
	}
	b.logger.Warn("Rejected operator action", zap.String("op", op), zap.Int64("initiator_id", initiatorID))
	b.say(ctx, initiatorID, msgNotPermitted)
	return errs.Authorization(op)
}

func (b *Broadcaster) prepare(ctx context.Context, initiatorID int64, payload models.Payload) (*broadcastJob, error) {
	const op = "Broadcaster.RunBroadcast"
	if err := b.authorize(ctx, op, initiatorID); err != nil {
		return nil, err
	}

	var ids []int64
	err := Retry(ctx, storePolicy, func(ctx context.Context, _ int) error {
		var err error
		ids, err = b.directory.SnapshotIDs(ctx)
		return err
	})
	if err != nil {
		b.logger.Error("Failed to snapshot recipients", zap.Error(err))
		b.say(ctx, initiatorID, msgTryAgain)
		return nil, errs.TransientStore(op, err)
	}
	if len(ids) == 0 {
		b.say(ctx, initiatorID, msgNoRecipients)
		return nil, errs.Validation(op, msgNoRecipients)
	}

	run := &models.BroadcastRun{
		ID:              b.newID(),
		InitiatorID:     initiatorID,
		PayloadKind:     payload.Kind.String(),
		TotalRecipients: len(ids),
		StartedAt:       b.now(),
	}
	if err := b.runs.Create(ctx, run); err != nil {
		b.logger.Error("Failed to create broadcast run", zap.String("run_id", run.ID), zap.Error(err))
		b.say(ctx, initiatorID, msgTryAgain)
		return nil, errs.TransientStore(op, err)
	}
	run.Status = models.RunRunning

	if payload.Kind == models.PayloadUnsupported {
		payload = models.TextPayload(msgUnsupportedPayload)
	}

	job := &broadcastJob{run: run, recipients: ids, payload: payload}
	if ref, err := b.messenger.SendText(ctx, initiatorID, fmt.Sprintf(msgBroadcastStarted, len(ids)), nil); err == nil {
		job.status = &ref
	} else {
		b.logger.Warn("Failed to send broadcast status", zap.String("run_id", run.ID), zap.Error(err))
	}

	b.logger.Info("Broadcast started",
		zap.String("run_id", run.ID),
		zap.Int64("initiator_id", initiatorID),
		zap.String("payload_kind", run.PayloadKind),
		zap.Int("total_recipients", len(ids)))
	return job, nil
}

// execute delivers to every snapshotted recipient until done or ctx ends. The
// run is completed with whatever was counted either way.
func (b *Broadcaster) execute(ctx context.Context, job *broadcastJob) *models.BroadcastRun {
	run := job.run
	total := len(job.recipients)
	outcomes := make([]models.DeliveryOutcome, 0, min(total, b.flushEvery))
	cancelled := false

	for i, id := range job.recipients {
		if i > 0 {
			if err := b.sleep(ctx, b.delay); err != nil {
				cancelled = true
				break
			}
		}
		if ctx.Err() != nil {
			cancelled = true
			break
		}

		outcome := b.deliverOne(ctx, run.ID, id, job.payload)
		if outcome.Delivered {
			run.Succeeded++
		} else {
			run.Failed++
		}

		outcomes = append(outcomes, outcome)
		if len(outcomes) >= b.flushEvery {
			b.flush(ctx, run.ID, outcomes)
			outcomes = outcomes[:0]
		}

		if processed := run.Processed(); processed%b.progressEvery == 0 && processed < total {
			b.reportProgress(ctx, job)
		}
	}

	// Completion must land even when the run was cancelled.
	final := context.WithoutCancel(ctx)
	b.flush(final, run.ID, outcomes)

	completedAt := b.now()
	err := Retry(final, storePolicy, func(ctx context.Context, _ int) error {
		return b.runs.Complete(ctx, run.ID, run.Succeeded, run.Failed, completedAt)
	})
	// A retry after an applied first attempt reports ErrAlreadyCompleted.
	if err != nil && !errors.Is(err, errs.ErrAlreadyCompleted) {
		b.logger.Error("Failed to complete broadcast run", zap.String("run_id", run.ID), zap.Error(err))
	}
	run.Status = models.RunCompleted
	run.CompletedAt = &completedAt

	summary := broadcastSummary(total, run.Succeeded, run.Failed, run.SuccessRate(), run.ID, cancelled)
	b.editOrSay(final, run.InitiatorID, job.status, summary)

	b.events.Publish(final, AuditEvent{
		Type:        EventBroadcastCompleted,
		RecipientID: run.InitiatorID,
		RunID:       run.ID,
		Attributes: map[string]string{
			"total":     strconv.Itoa(total),
			"succeeded": strconv.Itoa(run.Succeeded),
			"failed":    strconv.Itoa(run.Failed),
			"cancelled": strconv.FormatBool(cancelled),
		},
	})

	b.logger.Info("Broadcast completed",
		zap.String("run_id", run.ID),
		zap.Int("succeeded", run.Succeeded),
		zap.Int("failed", run.Failed),
		zap.Bool("cancelled", cancelled))
	return run
}

func (b *Broadcaster) deliverOne(ctx context.Context, runID string, to int64, p models.Payload) models.DeliveryOutcome {
	outcome := models.DeliveryOutcome{RunID: runID, RecipientID: to}

	err := b.send(ctx, to, p)
	outcome.At = b.now()
	if err == nil {
		outcome.Delivered = true
		return outcome
	}

	outcome.Reason = transport.Reason(err)
	if !transport.IsPermanent(err) {
		b.logger.Warn("Transient delivery failure",
			zap.String("run_id", runID), zap.Int64("recipient_id", to), zap.String("reason", outcome.Reason))
		return outcome
	}

	outcome.Permanent = true
	var removed bool
	err = Retry(ctx, storePolicy, func(ctx context.Context, _ int) error {
		var err error
		removed, err = b.directory.Delete(ctx, to)
		return err
	})
	if err != nil {
		b.logger.Error("Failed to remove unreachable recipient",
			zap.String("run_id", runID), zap.Int64("recipient_id", to), zap.Error(err))
		return outcome
	}
	outcome.Removed = removed

	b.logger.Info("Removed unreachable recipient",
		zap.String("run_id", runID), zap.Int64("recipient_id", to), zap.String("reason", outcome.Reason))
	if removed {
		b.events.Publish(ctx, AuditEvent{Type: EventRecipientRemoved, RecipientID: to, RunID: runID,
			Attributes: map[string]string{"reason": outcome.Reason}})
	}
	return outcome
}

func (b *Broadcaster) send(ctx context.Context, to int64, p models.Payload) error {
	if b.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.sendTimeout)
		defer cancel()
	}
	var err error
	if p.Kind == models.PayloadText {
		_, err = b.messenger.SendText(ctx, to, p.Text, nil)
	} else {
		_, err = b.messenger.SendMedia(ctx, to, p, nil)
	}
	return err
}

func (b *Broadcaster) reportProgress(ctx context.Context, job *broadcastJob) {
	run := job.run
	if err := b.runs.UpdateProgress(ctx, run.ID, run.Succeeded, run.Failed); err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Warn("Failed to record broadcast progress", zap.String("run_id", run.ID), zap.Error(err))
	}
	b.editOrSay(ctx, run.InitiatorID, job.status, fmt.Sprintf(msgBroadcastProgress, run.Processed(), run.TotalRecipients))
}

func (b *Broadcaster) flush(ctx context.Context, runID string, outcomes []models.DeliveryOutcome) {
	if b.deliveries == nil || len(outcomes) == 0 {
		return
	}
	if err := b.deliveries.RecordDeliveries(ctx, outcomes); err != nil {
		b.logger.Warn("Failed to record deliveries",
			zap.String("run_id", runID), zap.Int("count", len(outcomes)), zap.Error(err))
	}
}

func (b *Broadcaster) say(ctx context.Context, to int64, text string) {
	if _, err := b.messenger.SendText(ctx, to, text, nil); err != nil {
		b.logger.Warn("Failed to send message", zap.Int64("recipient_id", to), zap.Error(err))
	}
}

func (b *Broadcaster) editOrSay(ctx context.Context, to int64, ref *transport.MessageRef, text string) {
	if ref != nil {
		if err := b.messenger.EditMessage(ctx, *ref, text, nil); err == nil {
			return
		}
	}
	b.say(ctx, to, text)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
