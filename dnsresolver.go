// SPDX-License-Identifier: GPL-3.0-or-later

package nscp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

// NewDNSResolver returns a new [*DNSResolver] querying the given server.
//
// The cfg argument contains the common configuration for nscp operations.
//
// The server argument is the DNS server to query, as "host" or "host:port";
// port 53 is assumed when absent.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewDNSResolver(cfg *Config, server string, logger SLogger) *DNSResolver {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return &DNSResolver{
		Client:        &dns.Client{},
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		Server:        server,
		TimeNow:       cfg.TimeNow,
	}
}

// DNSResolver implements [Resolver] by querying a single configured DNS
// server directly, rather than going through the system stub resolver.
//
// Use this for agents whose allow-list names must resolve against a
// specific internal server (e.g., a management-network resolver) no
// matter how the host's /etc/resolv.conf is configured.
//
// All fields are safe to modify after construction but before first use.
type DNSResolver struct {
	// Client is the [*dns.Client] used for exchanges.
	//
	// Set by [NewDNSResolver] to a zero-value client (UDP, default timeouts).
	Client *dns.Client

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewDNSResolver] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewDNSResolver] to the user-provided logger.
	Logger SLogger

	// Server is the "host:port" of the DNS server to query.
	//
	// Set by [NewDNSResolver] from the server argument.
	Server string

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewDNSResolver] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Resolver = &DNSResolver{}

// LookupNetIP implements [Resolver].
//
// The network argument selects the record types: "ip4" queries A, "ip6"
// queries AAAA, and "ip" queries both. A query that fails while the other
// family succeeds is not an error; the error surfaces only when no
// addresses were found at all.
func (r *DNSResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	var qtypes []uint16
	switch network {
	case "ip4":
		qtypes = []uint16{dns.TypeA}
	case "ip6":
		qtypes = []uint16{dns.TypeAAAA}
	case "ip":
		qtypes = []uint16{dns.TypeA, dns.TypeAAAA}
	default:
		return nil, fmt.Errorf("unsupported network %q", network)
	}

	var addrs []netip.Addr
	var lastErr error
	for _, qtype := range qtypes {
		found, err := r.query(ctx, host, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		addrs = append(addrs, found...)
	}
	if len(addrs) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, fmt.Errorf("no addresses for %q", host)
	}
	return addrs, nil
}

func (r *DNSResolver) query(ctx context.Context, host string, qtype uint16) ([]netip.Addr, error) {
	query := new(dns.Msg)
	query.SetQuestion(dns.Fqdn(host), qtype)

	t0 := r.TimeNow()
	deadline, _ := ctx.Deadline()
	r.Logger.Info(
		"dnsLookupStart",
		slog.Time("deadline", deadline),
		slog.String("dnsName", dns.Fqdn(host)),
		slog.String("dnsType", dns.TypeToString[qtype]),
		slog.String("serverAddr", r.Server),
		slog.Time("t", t0),
	)

	resp, _, err := r.Client.ExchangeContext(ctx, query, r.Server)
	addrs, err := r.finish(resp, err, host)

	r.Logger.Info(
		"dnsLookupDone",
		slog.Time("deadline", deadline),
		slog.Int("dnsAnswersCount", len(addrs)),
		slog.String("dnsName", dns.Fqdn(host)),
		slog.String("dnsType", dns.TypeToString[qtype]),
		slog.Any("err", err),
		slog.String("errClass", r.ErrClassifier.Classify(err)),
		slog.String("serverAddr", r.Server),
		slog.Time("t0", t0),
		slog.Time("t", r.TimeNow()),
	)
	return addrs, err
}

func (r *DNSResolver) finish(resp *dns.Msg, err error, host string) ([]netip.Addr, error) {
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("query for %q failed: %s", host, dns.RcodeToString[resp.Rcode])
	}
	var addrs []netip.Addr
	for _, rr := range resp.Answer {
		switch record := rr.(type) {
		case *dns.A:
			if addr, ok := netip.AddrFromSlice(record.A); ok {
				addrs = append(addrs, addr.Unmap())
			}
		case *dns.AAAA:
			if addr, ok := netip.AddrFromSlice(record.AAAA); ok {
				addrs = append(addrs, addr)
			}
		}
	}
	return addrs, nil
}
