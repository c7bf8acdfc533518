// SPDX-License-Identifier: GPL-3.0-or-later

package nscp

import (
	"errors"
	"io"
	"log/slog"
	"time"
)

// ExchangeState enumerates the protocol session states.
type ExchangeState int

const (
	// StateNotStarted is the initial state before the transport connects.
	StateNotStarted ExchangeState = iota

	// StateConnected means the machine is waiting to receive the IV.
	StateConnected

	// StateIVReceived means the keystream is derived and the prepared
	// request can be serialized.
	StateIVReceived

	// StateRequestSent means the request was fully written.
	StateRequestSent

	// StateRequestPrepared means a new request was prepared after a send
	// already happened in this round.
	StateRequestPrepared

	// StateDone is the terminal state.
	StateDone
)

// String implements [fmt.Stringer].
func (s ExchangeState) String() string {
	switch s {
	case StateNotStarted:
		return "notStarted"
	case StateConnected:
		return "connected"
	case StateIVReceived:
		return "ivReceived"
	case StateRequestSent:
		return "requestSent"
	case StateRequestPrepared:
		return "requestPrepared"
	case StateDone:
		return "done"
	default:
		return "invalid"
	}
}

// exchangeEvent enumerates the triggers driving the state machine.
type exchangeEvent int

const (
	evConnect exchangeEvent = iota
	evPrepare
	evIVRead
	evWrite
)

// transition is the pure state transition function. The only trigger
// sensitive to the current state is evPrepare: preparing a request after
// a send already happened queues it (RequestPrepared), while preparing
// at any other time returns to Connected to await the IV exchange first.
func transition(state ExchangeState, ev exchangeEvent) ExchangeState {
	switch ev {
	case evConnect:
		return StateConnected
	case evPrepare:
		if state == StateRequestSent {
			return StateRequestPrepared
		}
		return StateConnected
	case evIVRead:
		return StateIVReceived
	case evWrite:
		return StateRequestSent
	default:
		return state
	}
}

// Errors returned by [*Protocol.Outbound] when called out of sequence.
var (
	// ErrNoRequest means no request was prepared.
	ErrNoRequest = errors.New("nscp: no request prepared")

	// ErrNoKeystream means the IV exchange has not happened yet.
	ErrNoKeystream = errors.New("nscp: keystream not initialized")
)

// NewProtocol returns a new [*Protocol] in [StateNotStarted].
//
// The cfg argument contains the common configuration for nscp operations.
//
// The engine argument is the [CryptoEngine] deriving the keystream; the
// password and cipherName arguments are handed to it verbatim on IV
// receipt.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewProtocol(cfg *Config, engine CryptoEngine, password, cipherName string, logger SLogger) *Protocol {
	return &Protocol{
		Cipher:   cipherName,
		Engine:   engine,
		Logger:   logger,
		Password: password,
		Rand:     cfg.Rand,
		TimeNow:  cfg.TimeNow,
		state:    StateNotStarted,
	}
}

// Protocol drives one scripted client exchange: receive the init packet,
// derive the keystream, encrypt and send one fixed-length request.
//
// The protocol performs no I/O itself. The owner reads into
// [*Protocol.Inbound] while [*Protocol.WantsData], writes
// [*Protocol.Outbound] while [*Protocol.HasData], and reports transfer
// completions via [*Protocol.OnRead] and [*Protocol.OnWrite]. Exactly one
// Protocol exists per connection attempt; it is not reused across
// connections.
//
// All fields are safe to modify after construction but before first use.
type Protocol struct {
	// Cipher is the cipher name understood by the [CryptoEngine].
	//
	// Set by [NewProtocol] to the user-provided value.
	Cipher string

	// Engine is the [CryptoEngine] deriving the keystream.
	//
	// Set by [NewProtocol] to the user-provided engine.
	Engine CryptoEngine

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewProtocol] to the user-provided logger.
	Logger SLogger

	// Password is the shared secret handed to the [CryptoEngine].
	//
	// Set by [NewProtocol] to the user-provided value.
	Password string

	// Rand is the source of random padding bytes.
	//
	// Set by [NewProtocol] from [Config.Rand].
	Rand io.Reader

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewProtocol] from [Config.TimeNow].
	TimeNow func() time.Time

	// inbound is the init packet buffer handed out by Inbound.
	inbound []byte

	// keystream is derived on IV receipt, nil before.
	keystream Keystream

	// request is the prepared outbound request, nil before PrepareRequest.
	request Request

	// state is the current session state.
	state ExchangeState

	// timestamp is echoed from the init packet.
	timestamp uint32
}

// OnConnect records that the transport reported connected. Call exactly
// once per session, before any other operation.
func (p *Protocol) OnConnect() {
	p.state = transition(p.state, evConnect)
}

// PrepareRequest stores the outbound request. Preparing while a send has
// already happened in this round queues the request for an immediate
// write; preparing at any other time returns the machine to the
// IV-waiting state, since a request cannot be serialized before the
// encryption parameters are known.
func (p *Protocol) PrepareRequest(req Request) {
	p.request = req
	p.state = transition(p.state, evPrepare)
}

// Inbound returns a fresh buffer sized exactly to the init packet wire
// length. The caller must fill it completely before calling OnRead.
func (p *Protocol) Inbound() []byte {
	p.inbound = make([]byte, InitPacketLength)
	return p.inbound
}

// OnRead decodes the init packet from the inbound buffer, extracts the IV
// and the timestamp, and derives the keystream. A truncated packet or a
// keystream derivation failure is an error and leaves the state unchanged.
func (p *Protocol) OnRead(n int) error {
	if n > len(p.inbound) {
		n = len(p.inbound)
	}
	pkt, err := parseInitPacket(p.inbound[:n])
	if err != nil {
		return err
	}
	keystream, err := p.Engine.NewKeystream(p.Password, p.Cipher, pkt.iv[:])
	if err != nil {
		return err
	}
	p.keystream = keystream
	p.timestamp = pkt.timestamp
	p.state = transition(p.state, evIVRead)
	p.Logger.Info(
		"nscaIVReceived",
		slog.String("cipher", p.Cipher),
		slog.Time("serverTime", time.Unix(int64(pkt.timestamp), 0)),
		slog.Time("t", p.TimeNow()),
	)
	return nil
}

// Outbound serializes the prepared request: random padding sized to the
// packet length, the request marshalled over it with the stored
// timestamp, and the keystream applied in place. Calling Outbound before
// [*Protocol.PrepareRequest] or before [*Protocol.OnRead] has derived the
// keystream is an error; sequence via [*Protocol.HasData].
func (p *Protocol) Outbound() ([]byte, error) {
	if p.request == nil {
		return nil, ErrNoRequest
	}
	if p.keystream == nil {
		return nil, ErrNoKeystream
	}
	padding := make([]byte, p.request.PacketLength())
	if _, err := io.ReadFull(p.Rand, padding); err != nil {
		return nil, err
	}
	buf, err := p.request.Marshal(padding, p.timestamp)
	if err != nil {
		return nil, err
	}
	p.keystream.Apply(buf)
	return buf, nil
}

// OnWrite records that the outbound packet was fully written.
func (p *Protocol) OnWrite(n int) {
	p.state = transition(p.state, evWrite)
}

// HasData reports whether a serialized request is ready to be written:
// a request was prepared and the state is [StateRequestPrepared] or
// [StateIVReceived].
func (p *Protocol) HasData() bool {
	return p.request != nil && (p.state == StateRequestPrepared || p.state == StateIVReceived)
}

// WantsData reports whether the machine is waiting to receive the IV:
// true only in [StateConnected].
func (p *Protocol) WantsData() bool {
	return p.state == StateConnected
}

// Response is the exchange outcome when the final wait succeeded.
func (p *Protocol) Response() bool {
	return true
}

// TimeoutResponse is the exchange outcome when a wait timed out.
func (p *Protocol) TimeoutResponse() bool {
	return false
}

// State returns the current session state.
func (p *Protocol) State() ExchangeState {
	return p.state
}
