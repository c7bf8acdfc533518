// SPDX-License-Identifier: GPL-3.0-or-later

package nscp

import (
	"context"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/bassosimone/safeconn"
)

// NewClientConnFunc returns a new [*ClientConnFunc].
//
// The cfg argument contains the common configuration for nscp operations.
//
// The info argument supplies the per-operation timeout.
//
// The password and cipherName arguments select the packet encryption; the
// default engine is [CryptoEngineClassic].
//
// The logger argument is the [SLogger] to use for structured logging.
func NewClientConnFunc(cfg *Config, info *ConnectionInfo, password, cipherName string, logger SLogger) *ClientConnFunc {
	return &ClientConnFunc{
		Cipher:        cipherName,
		Engine:        CryptoEngineClassic{},
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		Password:      password,
		Rand:          cfg.Rand,
		TimeNow:       cfg.TimeNow,
		Timeout:       info.Timeout,
	}
}

// ClientConnFunc wraps an established [net.Conn] into a [*ClientConn].
//
// Returns a valid [*ClientConn], never an error: the protocol exchange
// only starts when the caller invokes [*ClientConn.Submit].
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type ClientConnFunc struct {
	// Cipher is the cipher name understood by the [CryptoEngine].
	//
	// Set by [NewClientConnFunc] to the user-provided value.
	Cipher string

	// Engine is the [CryptoEngine] deriving the keystream.
	//
	// Set by [NewClientConnFunc] to [CryptoEngineClassic].
	Engine CryptoEngine

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewClientConnFunc] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewClientConnFunc] to the user-provided logger.
	Logger SLogger

	// Password is the shared secret handed to the [CryptoEngine].
	//
	// Set by [NewClientConnFunc] to the user-provided value.
	Password string

	// Rand is the source of random padding bytes.
	//
	// Set by [NewClientConnFunc] from [Config.Rand].
	Rand io.Reader

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewClientConnFunc] from [Config.TimeNow].
	TimeNow func() time.Time

	// Timeout is the deadline applied to each network step.
	//
	// Set by [NewClientConnFunc] from [ConnectionInfo.Timeout].
	Timeout time.Duration
}

var _ Func[net.Conn, *ClientConn] = &ClientConnFunc{}

// Call invokes the [*ClientConnFunc] to wrap a [net.Conn].
func (op *ClientConnFunc) Call(ctx context.Context, conn net.Conn) (*ClientConn, error) {
	return &ClientConn{
		Cipher:        op.Cipher,
		Engine:        op.Engine,
		ErrClassifier: op.ErrClassifier,
		Logger:        op.Logger,
		Password:      op.Password,
		Rand:          op.Rand,
		TimeNow:       op.TimeNow,
		Timeout:       op.Timeout,
		conn:          conn,
	}, nil
}

// ClientConn submits passive check reports over an established connection.
//
// ClientConn OWNS the underlying connection. The caller must call Close
// when done, which closes the underlying connection. A timed-out Submit
// has already closed the connection to resolve the race; Close is then
// still safe and returns [net.ErrClosed] or the transport's equivalent.
//
// All fields are safe to modify after construction but before first use.
type ClientConn struct {
	// Cipher is the cipher name understood by the [CryptoEngine].
	//
	// Set by [*ClientConnFunc.Call] from the corresponding field.
	Cipher string

	// Engine is the [CryptoEngine] deriving the keystream.
	//
	// Set by [*ClientConnFunc.Call] from the corresponding field.
	Engine CryptoEngine

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [*ClientConnFunc.Call] from the corresponding field.
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [*ClientConnFunc.Call] from the corresponding field.
	Logger SLogger

	// Password is the shared secret handed to the [CryptoEngine].
	//
	// Set by [*ClientConnFunc.Call] from the corresponding field.
	Password string

	// Rand is the source of random padding bytes.
	//
	// Set by [*ClientConnFunc.Call] from the corresponding field.
	Rand io.Reader

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [*ClientConnFunc.Call] from the corresponding field.
	TimeNow func() time.Time

	// Timeout is the deadline applied to each network step.
	//
	// Set by [*ClientConnFunc.Call] from the corresponding field.
	Timeout time.Duration

	// conn is the owned transport.
	conn net.Conn
}

// Submit runs one full exchange: receive the init packet, derive the
// keystream, encrypt and send the request. The boolean is the exchange
// outcome: true means the request was delivered, false means it was not.
// A per-step timeout yields (false, [os.ErrDeadlineExceeded]) and leaves
// the connection closed; other errors (transport, malformed init packet,
// keystream derivation, serialization) also yield false with the cause.
//
// Each network step races against [ClientConn.Timeout] via a fresh
// [TimedOp], so Submit never blocks indefinitely. The context is
// consulted for logging only: to interrupt Submit on context
// cancellation, build the connection through [CancelWatchFunc], which
// closes it when the context is done and thereby fails the pending step.
//
// Submit drives a fresh [*Protocol] per call: a ClientConn is meant for
// one exchange per connection, matching the server's accept-exchange-close
// cycle.
func (c *ClientConn) Submit(ctx context.Context, req Request) (bool, error) {
	t0 := c.TimeNow()
	deadline, _ := ctx.Deadline()
	c.logSubmitStart(t0, deadline)

	proto := &Protocol{
		Cipher:   c.Cipher,
		Engine:   c.Engine,
		Logger:   c.Logger,
		Password: c.Password,
		Rand:     c.Rand,
		TimeNow:  c.TimeNow,
	}
	proto.OnConnect()
	proto.PrepareRequest(req)

	delivered, err := c.exchange(proto)
	c.logSubmitDone(t0, deadline, delivered, err)
	return delivered, err
}

// exchange drives the protocol until it neither wants nor has data.
func (c *ClientConn) exchange(proto *Protocol) (bool, error) {
	for {
		if proto.WantsData() {
			op := c.newTimedOp()
			op.StartTimer(c.Timeout)
			if !op.ReadAndWait(c.conn, proto.Inbound()) {
				return proto.TimeoutResponse(), op.Err()
			}
			if err := proto.OnRead(InitPacketLength); err != nil {
				return false, err
			}
			continue
		}
		if proto.HasData() {
			buf, err := proto.Outbound()
			if err != nil {
				return false, err
			}
			op := c.newTimedOp()
			op.StartTimer(c.Timeout)
			if !op.WriteAndWait(c.conn, buf) {
				return proto.TimeoutResponse(), op.Err()
			}
			proto.OnWrite(len(buf))
			continue
		}
		return proto.Response(), nil
	}
}

// newTimedOp returns a fresh [*TimedOp] for a single network step. A
// step that times out leaves its dispatched goroutine draining, so ops
// are never shared across steps.
func (c *ClientConn) newTimedOp() *TimedOp {
	return &TimedOp{
		ErrClassifier: c.ErrClassifier,
		Logger:        c.Logger,
		TimeNow:       c.TimeNow,
	}
}

// Close implements [io.Closer] and closes the owned connection.
func (c *ClientConn) Close() error {
	return c.conn.Close()
}

// Conn returns the owned connection, e.g. for inspecting addresses.
func (c *ClientConn) Conn() net.Conn {
	return c.conn
}

func (c *ClientConn) logSubmitStart(t0 time.Time, deadline time.Time) {
	c.Logger.Info(
		"nscaSubmitStart",
		slog.String("cipher", c.Cipher),
		slog.Time("deadline", deadline),
		slog.String("localAddr", safeconn.LocalAddr(c.conn)),
		slog.String("protocol", safeconn.Network(c.conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(c.conn)),
		slog.Time("t", t0),
	)
}

func (c *ClientConn) logSubmitDone(t0 time.Time, deadline time.Time, delivered bool, err error) {
	c.Logger.Info(
		"nscaSubmitDone",
		slog.String("cipher", c.Cipher),
		slog.Time("deadline", deadline),
		slog.Bool("delivered", delivered),
		slog.Any("err", err),
		slog.String("errClass", c.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(c.conn)),
		slog.String("protocol", safeconn.Network(c.conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(c.conn)),
		slog.Time("t0", t0),
		slog.Time("t", c.TimeNow()),
	)
}
