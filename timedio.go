// SPDX-License-Identifier: GPL-3.0-or-later

package nscp

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/bassosimone/runtimex"
)

// NewTimedOp returns a new [*TimedOp].
//
// The cfg argument contains the common configuration for nscp operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewTimedOp(cfg *Config, logger SLogger) *TimedOp {
	return &TimedOp{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
	}
}

// TimedOp races a single pending I/O operation against a deadline timer.
//
// Exactly one of the two outcomes wins: either the operation completes,
// or the deadline fires. On timeout, [TimedOp.Wait] forcibly closes the
// transport so that the pending operation fails promptly and its goroutine
// exits. On completion, the timer is stopped so that a stale expiry cannot
// fire into a later operation.
//
// A timeout is a normal boolean outcome, not an error: [TimedOp.Wait]
// returns false and records [os.ErrDeadlineExceeded], which the caller can
// retrieve via [TimedOp.Err]. An operation that completes with a transport
// error also resolves the race immediately: Wait returns false with the
// error recorded, without waiting for the deadline.
//
// Usage: arm the deadline with [TimedOp.StartTimer], dispatch exactly one
// [TimedOp.Read] or [TimedOp.Write], then call [TimedOp.Wait]. The
// [TimedOp.ReadAndWait] and [TimedOp.WriteAndWait] methods combine the
// dispatch and the wait. A TimedOp may be reused for subsequent operations
// after a true Wait; after a false Wait, create a new TimedOp, since the
// dispatched goroutine may still be draining into the outcome channel.
//
// A TimedOp is owned by a single goroutine. Fields are safe to modify
// after construction but before first use.
type TimedOp struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewTimedOp] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewTimedOp] to the user-provided logger.
	Logger SLogger

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewTimedOp] from [Config.TimeNow].
	TimeNow func() time.Time

	// doneEvent is the log event emitted when the pending operation resolves.
	doneEvent string

	// err is the error recorded by a false [TimedOp.Wait].
	err error

	// ioc receives the outcome of the dispatched operation. The channel is
	// buffered so the dispatched goroutine can always deliver and exit, even
	// when the timer wins the race.
	ioc chan error

	// t0 is when the pending operation was dispatched.
	t0 time.Time

	// timer is the armed deadline timer, nil when no deadline is armed.
	timer *time.Timer

	// timerC is the armed timer's expiry channel, nil when no deadline is
	// armed. A nil channel blocks in select, which is exactly what we want.
	timerC <-chan time.Time
}

// StartTimer arms the deadline timer to fire after the given duration.
//
// Re-arming replaces the previous timer, so a stale expiry from an earlier
// deadline cannot win a later race.
func (op *TimedOp) StartTimer(d time.Duration) {
	op.StopTimer()
	op.Logger.Debug(
		"timerStart",
		slog.Duration("d", d),
		slog.Time("t", op.TimeNow()),
	)
	op.timer = time.NewTimer(d)
	op.timerC = op.timer.C
}

// StopTimer cancels a pending deadline, if any. It is idempotent.
func (op *TimedOp) StopTimer() {
	if op.timer != nil {
		op.timer.Stop()
		op.timer = nil
		op.timerC = nil
		op.Logger.Debug(
			"timerStop",
			slog.Time("t", op.TimeNow()),
		)
	}
}

// Read dispatches a single asynchronous full-buffer read.
//
// The read uses [io.ReadFull] semantics because protocol messages have a
// fixed wire length and are decoded as a unit.
//
// There must be no other operation pending on this TimedOp.
func (op *TimedOp) Read(stream io.Reader, buf []byte) {
	runtimex.Assert(op.ioc == nil)
	op.t0 = op.TimeNow()
	op.doneEvent = "timedReadDone"
	op.Logger.Debug(
		"timedReadStart",
		slog.Int("ioBufferSize", len(buf)),
		slog.Time("t", op.t0),
	)
	ioc := make(chan error, 1)
	op.ioc = ioc
	go func() {
		_, err := io.ReadFull(stream, buf)
		ioc <- err
	}()
}

// Write dispatches a single asynchronous full-buffer write.
//
// There must be no other operation pending on this TimedOp.
func (op *TimedOp) Write(stream io.Writer, buf []byte) {
	runtimex.Assert(op.ioc == nil)
	op.t0 = op.TimeNow()
	op.doneEvent = "timedWriteDone"
	op.Logger.Debug(
		"timedWriteStart",
		slog.Int("ioBufferSize", len(buf)),
		slog.Time("t", op.t0),
	)
	ioc := make(chan error, 1)
	op.ioc = ioc
	go func() {
		_, err := stream.Write(buf)
		ioc <- err
	}()
}

// Wait blocks until exactly one race outcome resolves.
//
// If the dispatched operation completes without error, Wait stops the
// deadline timer and returns true. If it completes with an error, Wait
// stops the timer, records the error, and returns false. If the deadline
// fires first, Wait records [os.ErrDeadlineExceeded], forcibly closes the
// transport to fail the pending operation, and returns false.
//
// When no deadline is armed, Wait blocks until the operation resolves.
func (op *TimedOp) Wait(transport io.Closer) bool {
	runtimex.Assert(op.ioc != nil)
	select {
	case err := <-op.ioc:
		op.ioc = nil
		op.StopTimer()
		op.err = err
		op.logDone(err)
		return err == nil

	case <-op.timerC:
		op.timer = nil
		op.timerC = nil
		op.err = os.ErrDeadlineExceeded
		op.logDone(op.err)
		transport.Close()
		return false
	}
}

// ReadAndWait dispatches a read and waits for the race to resolve.
func (op *TimedOp) ReadAndWait(stream io.ReadCloser, buf []byte) bool {
	op.Read(stream, buf)
	return op.Wait(stream)
}

// WriteAndWait dispatches a write and waits for the race to resolve.
func (op *TimedOp) WriteAndWait(stream io.WriteCloser, buf []byte) bool {
	op.Write(stream, buf)
	return op.Wait(stream)
}

// Err returns the error recorded by a false [TimedOp.Wait], or nil after
// a true one. The recorded error is [os.ErrDeadlineExceeded] when the
// deadline won the race and the transport error otherwise.
func (op *TimedOp) Err() error {
	return op.err
}

func (op *TimedOp) logDone(err error) {
	op.Logger.Debug(
		op.doneEvent,
		slog.Any("err", err),
		slog.String("errClass", op.ErrClassifier.Classify(err)),
		slog.Time("t0", op.t0),
		slog.Time("t", op.TimeNow()),
	)
}
