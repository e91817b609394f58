package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/guido-cesarano/broadcastq/pkg/logger"
	"github.com/guido-cesarano/broadcastq/pkg/status"
	"github.com/guido-cesarano/broadcastq/pkg/tasks"
	"github.com/rs/zerolog"
)

// Validator answers whether a credential is currently usable.
type Validator interface {
	Validate(ctx context.Context, credential string) (bool, error)
}

// Dispatcher performs the external effect for one credential and message.
// Remote rejections are reported as *tasks.DispatchError.
type Dispatcher interface {
	Dispatch(ctx context.Context, destination, credential, message string) error
}

// worker owns the execution loop of a single task.
//
// Loop:
//  1. For each message, for each credential: check the signal, validate,
//     dispatch when valid, persist the status snapshot, then pace.
//  2. After the last credential of the last message, start over.
//
// Collaborator failures never end the loop. A remote rejection counts as a
// failed send; a transport failure or a panic inside a collaborator is
// followed by a recovery pause that grows while failures keep coming.
type worker struct {
	id         tasks.ID
	params     tasks.Parameters
	pacing     time.Duration
	signal     *Signal
	validator  Validator
	dispatcher Dispatcher
	store      status.Store
	opts       Options
	log        zerolog.Logger

	status        tasks.Status
	recovery      *backoff.ExponentialBackOff
	writeFailures int
	degraded      *atomic.Bool
}

func newWorker(id tasks.ID, params tasks.Parameters, sig *Signal, degraded *atomic.Bool, r *Registry) *worker {
	recovery := backoff.NewExponentialBackOff()
	recovery.InitialInterval = r.opts.RecoveryPause
	recovery.MaxInterval = r.opts.MaxRecoveryPause
	recovery.MaxElapsedTime = 0
	recovery.Reset()

	return &worker{
		id:         id,
		params:     params,
		pacing:     params.ClampPacing(r.opts.MinPacing),
		signal:     sig,
		validator:  r.validator,
		dispatcher: r.dispatcher,
		store:      r.store,
		opts:       r.opts,
		log:        logger.ForTask(id.String()),
		status:     tasks.NewStatus(),
		recovery:   recovery,
		degraded:   degraded,
	}
}

// run loops until the signal is set or ctx is done.
func (w *worker) run(ctx context.Context) {
	w.log.Info().
		Int("credentials", len(w.params.Credentials)).
		Int("messages", len(w.params.Messages)).
		Dur("pacing", w.pacing).
		Msg("Task started")
	defer func() {
		w.log.Info().Int64("sent", w.status.Sent).Msg("Task terminated")
	}()

	for cycle := 1; ; cycle++ {
		for _, body := range w.params.Messages {
			text := w.params.Compose(body)
			for _, credential := range w.params.Credentials {
				if w.signal.IsSet() || ctx.Err() != nil {
					return
				}
				pause := w.process(ctx, credential, text)
				if !w.signal.Sleep(pause) {
					return
				}
			}
		}
		w.log.Debug().Int("cycle", cycle).Int64("sent", w.status.Sent).Msg("Cycle complete")
	}
}

// process handles one credential/message pair and returns how long to wait
// before the next one.
func (w *worker) process(ctx context.Context, credential, text string) time.Duration {
	faulted := false

	valid, err := w.validate(ctx, credential)
	switch {
	case err != nil:
		faulted = true
		valid = false
		validations.WithLabelValues("error").Inc()
		w.log.Warn().Err(err).Str("credential", logger.Mask(credential)).Msg("Credential check failed")
	case valid:
		validations.WithLabelValues("valid").Inc()
	default:
		validations.WithLabelValues("invalid").Inc()
		w.log.Info().Str("credential", logger.Mask(credential)).Msg("Invalid credential detected")
	}

	if valid {
		w.status.MarkValid(credential)

		start := time.Now()
		err := w.dispatch(ctx, credential, text)
		dispatchDuration.Observe(time.Since(start).Seconds())

		switch {
		case err == nil:
			w.status.RecordSent()
			dispatches.WithLabelValues("sent").Inc()
			w.log.Info().Str("credential", logger.Mask(credential)).Msg("Message sent")
		case tasks.IsDispatchError(err):
			dispatches.WithLabelValues("rejected").Inc()
			w.log.Warn().Err(err).Str("credential", logger.Mask(credential)).Msg("Message rejected")
		default:
			faulted = true
			dispatches.WithLabelValues("error").Inc()
			w.log.Error().Err(err).Str("credential", logger.Mask(credential)).Msg("Dispatch failed")
		}
	} else {
		w.status.MarkInvalid(credential)
	}

	w.status.LastChecked = time.Now()
	w.persist(ctx)

	if faulted {
		return w.recoveryPause()
	}
	w.recovery.Reset()
	return w.pacing
}

func (w *worker) validate(ctx context.Context, credential string) (valid bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			valid, err = false, fmt.Errorf("validator panic: %v", r)
		}
	}()
	return w.validator.Validate(ctx, credential)
}

func (w *worker) dispatch(ctx context.Context, credential, text string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatcher panic: %v", r)
		}
	}()
	return w.dispatcher.Dispatch(ctx, w.params.Destination, credential, text)
}

func (w *worker) persist(ctx context.Context) {
	if err := w.store.Write(ctx, w.id, w.status); err != nil {
		statusWriteFailures.Inc()
		w.writeFailures++
		w.log.Error().Err(err).Int("consecutive", w.writeFailures).Msg("Failed to persist status")
		if w.opts.DegradedAfter > 0 && w.writeFailures >= w.opts.DegradedAfter && w.degraded.CompareAndSwap(false, true) {
			w.log.Error().Msg("Task degraded: status store unreachable")
		}
		return
	}
	w.writeFailures = 0
	if w.degraded.CompareAndSwap(true, false) {
		w.log.Info().Msg("Status store reachable again")
	}
}

// recoveryPause is always longer than the pacing interval.
func (w *worker) recoveryPause() time.Duration {
	next := w.recovery.NextBackOff()
	if next == backoff.Stop {
		next = w.opts.MaxRecoveryPause
	}
	return w.pacing + next
}
