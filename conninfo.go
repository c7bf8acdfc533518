// SPDX-License-Identifier: GPL-3.0-or-later

package nscp

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultBacklog is the default listen backlog for external listeners.
	DefaultBacklog = 128

	// DefaultTimeout is the default per-operation I/O deadline.
	DefaultTimeout = 30 * time.Second
)

// TLS verify modes accepted by [ConnectionInfo.ValidateSSL].
const (
	// VerifyNone disables peer certificate verification.
	VerifyNone = "none"

	// VerifyPeer requires a valid peer certificate.
	VerifyPeer = "peer"
)

// SSLOptions carries the TLS transport settings.
//
// Certificate and key material is referenced by path and carried opaquely:
// loading and parsing it is the external TLS layer's concern, and
// [ConnectionInfo.ValidateSSL] only checks that the references look sane.
type SSLOptions struct {
	// Enabled turns TLS on for the transport.
	Enabled bool

	// Certificate is the path of the certificate to present.
	Certificate string

	// CertificateFormat is the certificate encoding (e.g., "PEM").
	CertificateFormat string

	// CertificateKey is the path of the private key.
	CertificateKey string

	// CAPath is the path of the CA bundle used for verification.
	CAPath string

	// AllowedCiphers restricts the cipher suites (OpenSSL list syntax).
	AllowedCiphers string

	// DHKey is the path of the Diffie-Hellman parameters.
	DHKey string

	// VerifyMode is [VerifyNone], [VerifyPeer], or empty for the default.
	VerifyMode string
}

// String returns an operator-readable summary of the SSL options.
func (o SSLOptions) String() string {
	if !o.Enabled {
		return "ssl disabled"
	}
	var sb strings.Builder
	sb.WriteString("ssl: " + o.VerifyMode)
	if o.Certificate != "" {
		sb.WriteString(", cert: " + o.Certificate + " (" + o.CertificateFormat + ")")
	}
	if o.CertificateKey != "" {
		sb.WriteString(", key: " + o.CertificateKey)
	}
	if o.DHKey != "" {
		sb.WriteString(", dh: " + o.DHKey)
	}
	if o.AllowedCiphers != "" {
		sb.WriteString(", ciphers: " + o.AllowedCiphers)
	}
	if o.CAPath != "" {
		sb.WriteString(", ca: " + o.CAPath)
	}
	return sb.String()
}

// NewConnectionInfo returns a new [*ConnectionInfo] with default backlog
// and timeout and an empty allow-list.
//
// The cfg argument contains the common configuration for nscp operations.
//
// The logger argument is the [SLogger] used by the owned [*AllowedHosts].
func NewConnectionInfo(cfg *Config, logger SLogger) *ConnectionInfo {
	return &ConnectionInfo{
		AllowedHosts: NewAllowedHosts(cfg, logger),
		Backlog:      DefaultBacklog,
		Timeout:      DefaultTimeout,
	}
}

// ConnectionInfo is the passive configuration record for one transport.
//
// The protocol layer consumes Timeout and the SSL options; an external
// listener or dialer consumes the bind parameters and queries AllowedHosts
// per accepted connection. ConnectionInfo performs no I/O itself.
type ConnectionInfo struct {
	// Address is the hostname or literal address to connect or bind to.
	Address string

	// AllowedHosts gates inbound connections by remote address.
	//
	// Set by [NewConnectionInfo] to an empty (fail-open) allow-list.
	AllowedHosts *AllowedHosts

	// Backlog is the listen backlog for external listeners.
	//
	// Set by [NewConnectionInfo] to [DefaultBacklog].
	Backlog int

	// Port is the TCP port.
	Port uint16

	// SSL carries the TLS transport settings.
	SSL SSLOptions

	// ThreadPoolSize sizes the external worker pool running independent
	// protocol instances. This core never spawns workers itself.
	ThreadPoolSize int

	// Timeout is the per-operation I/O deadline.
	//
	// Set by [NewConnectionInfo] to [DefaultTimeout].
	Timeout time.Duration
}

// Endpoint returns the "host:port" endpoint string.
func (info *ConnectionInfo) Endpoint() string {
	return net.JoinHostPort(info.Address, strconv.Itoa(int(info.Port)))
}

// Validate returns an ordered list of human-readable configuration
// problems, including the SSL problems from [ConnectionInfo.ValidateSSL].
// An empty list means the configuration is usable. Validate never
// mutates state; the caller decides whether problems are fatal.
func (info *ConnectionInfo) Validate() []string {
	problems := []string{}
	if info.Address == "" {
		problems = append(problems, "no address configured")
	}
	if info.Port == 0 {
		problems = append(problems, "no port configured")
	}
	if info.Timeout <= 0 {
		problems = append(problems, "timeout must be positive")
	}
	problems = append(problems, info.ValidateSSL()...)
	return problems
}

// ValidateSSL returns the SSL-specific configuration problems. All checks
// are advisory: a certificate-less TLS setup is reported, not rejected.
func (info *ConnectionInfo) ValidateSSL() []string {
	problems := []string{}
	if !info.SSL.Enabled {
		return problems
	}
	if info.SSL.Certificate == "" {
		problems = append(problems, "ssl enabled but no certificate configured")
	}
	if info.SSL.CertificateKey == "" {
		problems = append(problems, "ssl enabled but no certificate key configured")
	}
	switch info.SSL.VerifyMode {
	case "", VerifyNone, VerifyPeer:
	default:
		problems = append(problems, fmt.Sprintf("unknown ssl verify mode %q", info.SSL.VerifyMode))
	}
	return problems
}

// TLSConfig derives a client [*tls.Config] from the SSL options for use
// with [NewTLSHandshakeFunc]. Only the verify mode and the server name
// are mapped: certificate loading is the external TLS layer's concern.
func (info *ConnectionInfo) TLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: info.SSL.VerifyMode != VerifyPeer,
		ServerName:         info.Address,
	}
}
