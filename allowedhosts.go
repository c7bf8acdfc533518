// SPDX-License-Identifier: GPL-3.0-or-later

package nscp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// Resolver abstracts the [*net.Resolver] behavior.
//
// By making [*AllowedHosts] depend on an abstract implementation we allow
// for unit testing and for using alternative resolvers such as [*DNSResolver].
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// addrBytes constrains the fixed-width address forms used for matching.
type addrBytes interface {
	[4]byte | [16]byte
}

// hostRecord is a single parsed allow-list entry. The host field retains
// the original source token for diagnostics. Records of different widths
// are never mixed in the same matching pass.
type hostRecord[T addrBytes] struct {
	host string
	addr T
	mask T
}

// matchHost reports whether remote falls within the allowed address range.
//
// The mask is a byte array rather than a prefix length so that the same
// loop serves both address widths and masks derived from either a prefix
// length or an explicit address literal.
func matchHost[T addrBytes](allowed, mask, remote T) bool {
	for i := 0; i < len(allowed); i++ {
		if (allowed[i] & mask[i]) != (remote[i] & mask[i]) {
			return false
		}
	}
	return true
}

// NewAllowedHosts returns a new [*AllowedHosts] with no sources configured.
//
// The cfg argument contains the common configuration for nscp operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewAllowedHosts(cfg *Config, logger SLogger) *AllowedHosts {
	return &AllowedHosts{
		Logger:   logger,
		Resolver: cfg.Resolver,
		TimeNow:  cfg.TimeNow,
	}
}

// AllowedHosts gates inbound connections by remote address.
//
// Sources are textual `host[/mask]` specifications ([AllowedHosts.SetSources])
// compiled into binary per-family records ([AllowedHosts.Refresh]) and
// evaluated byte-wise against remote addresses ([AllowedHosts.IsAllowed]).
//
// When no records are configured, every address is allowed. This fail-open
// default is deliberate: an unconfigured agent accepts local and development
// traffic without ceremony. Operators who rely on the allow-list for
// security must configure at least one source and treat refresh problems
// as fatal.
//
// An AllowedHosts is single-writer: [AllowedHosts.SetSources] and
// [AllowedHosts.Refresh] must not run concurrently with queries against
// the same instance. Use one instance per goroutine or serialize externally.
type AllowedHosts struct {
	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewAllowedHosts] to the user-provided logger.
	Logger SLogger

	// Resolver resolves hostnames appearing in sources.
	//
	// Set by [NewAllowedHosts] from [Config.Resolver].
	Resolver Resolver

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewAllowedHosts] from [Config.TimeNow].
	TimeNow func() time.Time

	// cached is true when v4 and v6 are consistent with sources.
	cached bool

	// sources is the list of raw specification tokens.
	sources []string

	// v4 holds the compiled IPv4 records in source order.
	v4 []hostRecord[[4]byte]

	// v6 holds the compiled IPv6 records in source order.
	v6 []hostRecord[[16]byte]
}

// SetSources replaces the configured sources with the tokens in the given
// comma-separated list. Tokens are trimmed and empty tokens are dropped.
// No validation or resolution happens here: the next [AllowedHosts.Refresh]
// or [AllowedHosts.IsAllowed] call recompiles the records.
func (op *AllowedHosts) SetSources(csv string) {
	op.sources = nil
	for _, token := range strings.Split(csv, ",") {
		token = strings.TrimSpace(token)
		if token != "" {
			op.sources = append(op.sources, token)
		}
	}
	op.cached = false
}

// Refresh recompiles both record lists from the configured sources.
//
// Each source is `host[/mask]` where host is a literal address or a
// resolvable hostname and mask is empty (exact match), a prefix length,
// a literal address, or a resolvable hostname used verbatim as the mask
// pattern. A source that cannot be parsed or resolved contributes a
// human-readable problem string and is skipped; it never aborts the
// refresh. The returned slice is empty when every source compiled.
func (op *AllowedHosts) Refresh(ctx context.Context) []string {
	problems := []string{}
	v4 := []hostRecord[[4]byte]{}
	v6 := []hostRecord[[16]byte]{}

	for _, source := range op.sources {
		host, maskSpec, _ := strings.Cut(source, "/")

		if addr, err := netip.ParseAddr(host); err == nil {
			if problem := appendRecord(ctx, op, &v4, &v6, source, addr, maskSpec); problem != "" {
				problems = append(problems, problem)
			}
			continue
		}

		addrs, err := op.Resolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			problems = append(problems, fmt.Sprintf("failed to resolve %q: %s", source, err))
			continue
		}
		for _, addr := range addrs {
			if problem := appendRecord(ctx, op, &v4, &v6, source, addr, maskSpec); problem != "" {
				problems = append(problems, problem)
			}
		}
	}

	op.v4 = v4
	op.v6 = v6
	op.cached = true
	op.Logger.Info(
		"allowedHostsRefresh",
		slog.Any("problems", problems),
		slog.Int("sourcesCount", len(op.sources)),
		slog.Int("v4RecordsCount", len(v4)),
		slog.Int("v6RecordsCount", len(v6)),
		slog.Time("t", op.TimeNow()),
	)
	return problems
}

// appendRecord compiles one resolved host address plus its mask spec into
// a record in the address's own family. Returns a problem string on mask
// failure and the empty string on success.
func appendRecord(ctx context.Context, op *AllowedHosts,
	v4 *[]hostRecord[[4]byte], v6 *[]hostRecord[[16]byte],
	source string, addr netip.Addr, maskSpec string) string {
	if b, ok := unwrapV4(addr); ok {
		mask, err := op.maskBytes4(ctx, maskSpec)
		if err != nil {
			return fmt.Sprintf("invalid mask in %q: %s", source, err)
		}
		*v4 = append(*v4, hostRecord[[4]byte]{host: source, addr: b, mask: mask})
		return ""
	}
	mask, err := op.maskBytes6(ctx, maskSpec)
	if err != nil {
		return fmt.Sprintf("invalid mask in %q: %s", source, err)
	}
	*v6 = append(*v6, hostRecord[[16]byte]{host: source, addr: addr.As16(), mask: mask})
	return ""
}

// maskBytes4 compiles an IPv4 mask spec: empty means exact match.
func (op *AllowedHosts) maskBytes4(ctx context.Context, spec string) ([4]byte, error) {
	if spec == "" {
		return [4]byte{0xff, 0xff, 0xff, 0xff}, nil
	}
	if n, err := strconv.Atoi(spec); err == nil {
		if n < 0 || n > 32 {
			return [4]byte{}, fmt.Errorf("prefix length %d out of range 0-32", n)
		}
		var mask [4]byte
		copy(mask[:], net.CIDRMask(n, 32))
		return mask, nil
	}
	if addr, err := netip.ParseAddr(spec); err == nil {
		if b, ok := unwrapV4(addr); ok {
			return b, nil
		}
		return [4]byte{}, fmt.Errorf("%q is not an IPv4 mask", spec)
	}
	addrs, err := op.Resolver.LookupNetIP(ctx, "ip4", spec)
	if err != nil {
		return [4]byte{}, fmt.Errorf("failed to resolve mask %q: %w", spec, err)
	}
	for _, addr := range addrs {
		if b, ok := unwrapV4(addr); ok {
			return b, nil
		}
	}
	return [4]byte{}, fmt.Errorf("%q did not resolve to an IPv4 address", spec)
}

// maskBytes6 compiles an IPv6 mask spec: empty means exact match.
func (op *AllowedHosts) maskBytes6(ctx context.Context, spec string) ([16]byte, error) {
	if spec == "" {
		return [16]byte{
			0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
			0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		}, nil
	}
	if n, err := strconv.Atoi(spec); err == nil {
		if n < 0 || n > 128 {
			return [16]byte{}, fmt.Errorf("prefix length %d out of range 0-128", n)
		}
		var mask [16]byte
		copy(mask[:], net.CIDRMask(n, 128))
		return mask, nil
	}
	if addr, err := netip.ParseAddr(spec); err == nil {
		if addr.Is6() {
			return addr.As16(), nil
		}
		return [16]byte{}, fmt.Errorf("%q is not an IPv6 mask", spec)
	}
	addrs, err := op.Resolver.LookupNetIP(ctx, "ip6", spec)
	if err != nil {
		return [16]byte{}, fmt.Errorf("failed to resolve mask %q: %w", spec, err)
	}
	for _, addr := range addrs {
		if addr.Is6() && !addr.Is4In6() {
			return addr.As16(), nil
		}
	}
	return [16]byte{}, fmt.Errorf("%q did not resolve to an IPv6 address", spec)
}

// IsAllowed reports whether the remote address is allowed to connect.
//
// When the records are stale (sources changed since the last refresh),
// IsAllowed refreshes first and returns that refresh's problems. When
// both record lists are empty the answer is unconditionally true (see
// the fail-open note on [AllowedHosts]). Otherwise IPv4 addresses, and
// IPv6 addresses that are IPv4-mapped or IPv4-compatible, unwrap to four
// bytes and test against the IPv4 records only; every other IPv6 address
// tests against the IPv6 records only.
func (op *AllowedHosts) IsAllowed(ctx context.Context, remote netip.Addr) (bool, []string) {
	problems := []string{}
	if !op.cached {
		problems = op.Refresh(ctx)
	}
	allowed := op.evaluate(remote)
	op.Logger.Debug(
		"allowedHostsQuery",
		slog.Bool("allowed", allowed),
		slog.String("remoteAddr", remote.String()),
		slog.Time("t", op.TimeNow()),
	)
	return allowed, problems
}

func (op *AllowedHosts) evaluate(remote netip.Addr) bool {
	if len(op.v4) == 0 && len(op.v6) == 0 {
		return true
	}
	if b, ok := unwrapV4(remote); ok {
		for _, rec := range op.v4 {
			if matchHost(rec.addr, rec.mask, b) {
				return true
			}
		}
		return false
	}
	b := remote.As16()
	for _, rec := range op.v6 {
		if matchHost(rec.addr, rec.mask, b) {
			return true
		}
	}
	return false
}

// Entries returns an operator-readable dump of the compiled records, one
// per line as `source (address/mask)`. Call [AllowedHosts.Refresh] first
// if sources changed since the last refresh.
func (op *AllowedHosts) Entries() string {
	var sb strings.Builder
	for _, rec := range op.v4 {
		fmt.Fprintf(&sb, "%s (%s/%s)\n", rec.host, netip.AddrFrom4(rec.addr), netip.AddrFrom4(rec.mask))
	}
	for _, rec := range op.v6 {
		fmt.Fprintf(&sb, "%s (%s/%s)\n", rec.host, netip.AddrFrom16(rec.addr), netip.AddrFrom16(rec.mask))
	}
	return sb.String()
}

// unwrapV4 extracts the 4-byte form of an address that is IPv4, or an
// IPv6 address embedding an IPv4 address (IPv4-mapped per RFC 4291 2.5.5.2
// or the deprecated IPv4-compatible form). The unspecified and loopback
// IPv6 addresses are not IPv4-compatible.
func unwrapV4(addr netip.Addr) ([4]byte, bool) {
	if addr.Is4() {
		return addr.As4(), true
	}
	if addr.Is4In6() {
		return addr.Unmap().As4(), true
	}
	if addr.Is6() {
		b := addr.As16()
		for i := 0; i < 12; i++ {
			if b[i] != 0 {
				return [4]byte{}, false
			}
		}
		v4 := [4]byte{b[12], b[13], b[14], b[15]}
		switch v4 {
		case [4]byte{0, 0, 0, 0}, [4]byte{0, 0, 0, 1}:
			return [4]byte{}, false
		}
		return v4, true
	}
	return [4]byte{}, false
}
