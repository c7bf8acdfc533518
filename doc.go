// SPDX-License-Identifier: GPL-3.0-or-later

// Package nscp implements the transport and protocol core of an
// NSCA-style monitoring agent client: an encrypted, fixed-format
// request protocol over a byte stream, a timeout-racing I/O primitive
// that guarantees no network operation blocks indefinitely, and a
// CIDR-based allow-list for gating inbound connections.
//
// # Core Abstraction
//
// The package is built around a single interface:
//
//	type Func[A, B any] interface {
//		Call(ctx context.Context, input A) (B, error)
//	}
//
// Each Func represents an atomic operation with exactly one success
// mode and one failure mode. This design enables type-safe composition via
// [Compose2], [Compose3], etc., where the compiler verifies that outputs
// match inputs across pipeline stages.
//
// # Available Primitives
//
// Connection establishment:
//   - [ConnectFunc]: dials TCP or UDP endpoints
//   - [TLSHandshakeFunc]: performs TLS handshake over an existing connection
//   - [ObserveConnFunc]: observes connections for logging I/O operations
//   - [CancelWatchFunc]: closes connection on context cancellation (for responsive ^C handling)
//
// Protocol:
//   - [ClientConn]: owns an established connection and submits one passive
//     check report per exchange (created via [NewClientConnFunc])
//   - [Protocol]: the underlying state machine, usable directly by callers
//     implementing custom exchange loops
//   - [DataPacket]: the version-3 fixed-length report packet; any other
//     fixed-length payload can implement [Request]
//   - [CryptoEngine] / [CryptoEngineClassic]: the keystream capability and
//     the classic cipher roster
//
// Timeouts and gating:
//   - [TimedOp]: races one read or write against a deadline timer; exactly
//     one of {completed, timed out} wins, with deterministic cleanup
//   - [AllowedHosts]: compiles textual host/mask sources into binary
//     per-family records and answers allow/deny queries
//   - [DNSResolver]: resolves allow-list hostnames against one specific
//     DNS server instead of the system stub
//   - [ConnectionInfo]: passive transport configuration with validation
//
// Composition utilities:
//   - [Compose2] through [Compose6]: chain Funcs into pipelines
//   - [FuncAdapter]: wrap a function as a Func for ad-hoc custom behavior
//   - [Apply]: bind a fixed input to a Func
//   - [ConstFunc]: lift a pure value into a Func
//   - [NewEndpointFunc]: convenience wrapper for ConstFunc with endpoints
//
// # Connection Lifecycle
//
// This package uses two ownership patterns for connection management:
//
// Dial operations ([ConnectFunc], [TLSHandshakeFunc]) create connections and
// transfer ownership to the next stage on success. On error, they close the connection.
//
// Wrapper types ([ClientConn]) OWN their underlying connection. The caller
// must call Close() when done, which closes the underlying connection.
// A timed-out exchange closes the connection as part of resolving the race;
// calling Close() afterwards is still safe.
//
// See the testable examples for complete code demonstrating these patterns.
//
// # Exchange Outcomes
//
// A submission has exactly two observable outcomes: delivered (true) or
// not delivered (false). Timeout is a normal boolean outcome, not an
// error: [ClientConn.Submit] returns false plus [os.ErrDeadlineExceeded]
// so callers can distinguish the cause, but control flow should branch on
// the boolean. Configuration problems surface before any connection is
// attempted, as string lists from [ConnectionInfo.Validate] and
// [AllowedHosts.Refresh], for the operator to read.
//
// # Security Defaults
//
// An [AllowedHosts] with no configured records allows EVERY remote
// address. This fail-open default keeps unconfigured development agents
// reachable, but it means the allow-list provides no protection until
// sources are configured and refresh problems are checked. Likewise, the
// classic packet ciphers are obfuscation, not security: use the TLS
// primitives for confidentiality.
//
// # Observability
//
// All primitives support structured logging via [SLogger] (compatible with [log/slog]).
//
// By default, logging is disabled. Set the Logger field to a custom [*slog.Logger]
// to enable logging. Error classification is configurable via [ErrClassifier]; the
// default classifies with the errclass package, which fills the errClass
// field on Done events.
//
// Primitives emit two kinds of structured log events:
//
//   - Span events (*Start/*Done pairs): Record operation lifecycle including
//     timing and success/failure. Used for latency analysis and error tracking.
//
//   - Protocol observations (e.g., nscaIVReceived, allowedHostsRefresh):
//     Capture protocol-level milestones for debugging an exchange.
//
// All events share a common set of fields: localAddr, remoteAddr, protocol,
// and t (timestamp). Completion events (*Done) additionally include t0 (start
// time), err, and errClass. I/O-level events (read, write, deadline changes,
// timer arm/fire) are emitted at [slog.LevelDebug]; all other events use
// [slog.LevelInfo].
//
// Use [NewSpanID] to generate a unique, time-ordered identifier (UUIDv7) for each
// submission, then attach it to the logger with [*slog.Logger.With]. All log
// entries from that submission will share the same spanID, enabling correlation
// across pipeline stages and simplifying log analysis.
//
// # Timeout and Context Philosophy
//
// This package is context-transparent: operations never modify the context they
// receive. Per-step deadlines come from [ConnectionInfo.Timeout] and are enforced
// by [TimedOp], which closes the transport when the deadline wins the race, so a
// blocked read or write fails promptly rather than hanging.
//
// External cancellation composes with this via [CancelWatchFunc]: when the
// context is done (timeout, cancel, or signal), the connection is closed
// immediately, causing any in-progress step to fail. Include [CancelWatchFunc]
// in connection pipelines for responsive ^C handling via [signal.NotifyContext].
//
// # Design Boundaries
//
// This package intentionally provides only the client core. The following are
// out of scope and should be implemented by higher-level packages:
//
//   - The server side of the protocol
//   - Multiplexing across many concurrent connections (run one pipeline per
//     connection instead; [ConnectionInfo.ThreadPoolSize] merely carries the
//     external pool's configured size)
//   - Retry and backoff beyond a single attempt with one deadline
//   - Certificate loading and process configuration parsing
//
// These concerns introduce multiple success/failure modes, which would compromise
// the compositional simplicity of the primitives.
package nscp
