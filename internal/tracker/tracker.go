// Package tracker submits task batches and waits for their completions,
// either by spinning on Progress or by sleeping on the engine notifier.
package tracker

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/dmabench/internal/dpu"
	"github.com/piwi3910/dmabench/pkg/dmaerrors"
)

// Mode selects how completions are awaited.
type Mode string

const (
	// ModePoll spins on Progress until the batch is done.
	ModePoll Mode = "poll"

	// ModeEvent sleeps on the notifier between drains.
	ModeEvent Mode = "event"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModePoll, ModeEvent:
		return m, nil
	default:
		return "", dmaerrors.ErrConfiguration.WithMessage(fmt.Sprintf("unknown completion mode %q", s))
	}
}

// ErrMixedBatch is returned when the tasks of a batch do not share one
// completion counter.
var ErrMixedBatch = errors.New("batch tasks must share one completion")

// Engine is the part of a context the tracker drives.
type Engine interface {
	Submit(t *dpu.Task) error
	Progress() bool
}

// Callbacks returns the task callbacks a context must be configured with
// for the tracker to observe completions. A success resets the
// destination data length; a failure is logged. Both count down the
// task's completion.
func Callbacks() dpu.TaskCallbacks {
	return dpu.TaskCallbacks{
		OnComplete: func(t *dpu.Task) {
			t.Dst.ResetDataLen()
			t.Slot.Succeed()
		},
		OnError: func(t *dpu.Task, err error) {
			log.Error().
				Err(err).
				Int("task_id", t.ID).
				Uint64("batch", t.Batch).
				Str("error_code", dpu.ErrorCode(err)).
				Msg("DMA task failed")
			t.Slot.Fail()
		},
	}
}

// Batch is a set of submitted tasks.
type Batch struct {
	slot *dpu.Completion
	ID   uint64
	Size int
}

// Remaining returns the tasks of the batch without a terminal callback.
func (b *Batch) Remaining() int { return b.slot.Remaining() }

// Tracker submits batches and awaits them in one mode.
type Tracker struct {
	engine    Engine
	notifier  dpu.Notifier
	mode      Mode
	batches   uint64
	wakeups   int64
	completed int64
	failed    int64
}

// New creates a tracker. Event mode requires a notifier.
func New(engine Engine, mode Mode, notifier dpu.Notifier) (*Tracker, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}

	if mode == ModeEvent && notifier == nil {
		return nil, dmaerrors.ErrConfiguration.WithMessage("event mode requires a notifier")
	}

	return &Tracker{engine: engine, notifier: notifier, mode: mode}, nil
}

// Mode returns the completion mode.
func (t *Tracker) Mode() Mode { return t.mode }

// Submit arms the notifier in event mode, resets the shared completion to
// len(tasks) and submits every task. If the engine rejects a task, the
// already submitted ones are drained before the rejection is returned.
func (t *Tracker) Submit(tasks []*dpu.Task) (*Batch, error) {
	if len(tasks) == 0 {
		return nil, dmaerrors.ErrConfiguration.WithMessage("empty batch")
	}

	slot := tasks[0].Slot
	for _, task := range tasks {
		if task.Slot != slot || slot == nil {
			return nil, dmaerrors.ErrConfiguration.Wrap(ErrMixedBatch)
		}
	}

	t.batches++
	b := &Batch{ID: t.batches, Size: len(tasks), slot: slot}
	slot.Reset(len(tasks))

	if t.mode == ModeEvent {
		if err := t.notifier.Arm(); err != nil {
			return nil, dmaerrors.ErrNotification.WithOp("arm").Wrap(err)
		}
	}

	for i, task := range tasks {
		task.Batch = b.ID

		if err := t.engine.Submit(task); err != nil {
			slot.Cancel(len(tasks) - i)
			b.Size = i

			log.Error().
				Err(err).
				Uint64("batch", b.ID).
				Int("task_id", task.ID).
				Int("submitted", i).
				Msg("DMA task submission rejected")

			if _, werr := t.Wait(b); werr != nil {
				log.Error().Err(werr).Uint64("batch", b.ID).Msg("Error draining partially submitted batch")
			}

			return nil, dmaerrors.ErrEngineTask.WithOp("submit").Wrap(err)
		}
	}

	return b, nil
}

// Wait blocks until every task of b has had its terminal callback and
// returns the number of failures. Task failures are not errors; only a
// broken notifier is.
func (t *Tracker) Wait(b *Batch) (int, error) {
	var err error
	if t.mode == ModeEvent {
		err = t.waitEvent(b)
	} else {
		t.waitPoll(b)
	}

	failed := b.slot.Failed()
	t.completed += int64(b.Size - failed - b.slot.Remaining())
	t.failed += int64(failed)

	return failed, err
}

func (t *Tracker) waitPoll(b *Batch) {
	for !b.slot.Done() {
		t.engine.Progress()
	}
}

func (t *Tracker) waitEvent(b *Batch) error {
	for !b.slot.Done() {
		if err := t.notifier.Wait(dpu.NoTimeout); err != nil {
			return dmaerrors.ErrNotification.WithOp("wait").Wrap(err)
		}

		t.wakeups++

		if err := t.notifier.Clear(); err != nil {
			return dmaerrors.ErrNotification.WithOp("clear").Wrap(err)
		}

		for !b.slot.Done() && t.engine.Progress() {
		}

		if b.slot.Done() {
			break
		}

		if err := t.notifier.Arm(); err != nil {
			return dmaerrors.ErrNotification.WithOp("arm").Wrap(err)
		}
	}

	return nil
}

// Stats is a snapshot of tracker counters.
type Stats struct {
	Batches   uint64 `json:"batches" yaml:"batches"`
	Completed int64  `json:"completed" yaml:"completed"`
	Failed    int64  `json:"failed" yaml:"failed"`
	Wakeups   int64  `json:"wakeups" yaml:"wakeups"`
}

// Stats returns the counters accumulated over every awaited batch.
func (t *Tracker) Stats() Stats {
	return Stats{
		Batches:   t.batches,
		Completed: t.completed,
		Failed:    t.failed,
		Wakeups:   t.wakeups,
	}
}
