// SPDX-License-Identifier: GPL-3.0-or-later

package nscp

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewConnectionInfo applies the default backlog and timeout and attaches
// an empty fail-open allow-list.
func TestNewConnectionInfo(t *testing.T) {
	info := NewConnectionInfo(NewConfig(), DefaultSLogger())

	require.NotNil(t, info)
	assert.Equal(t, DefaultBacklog, info.Backlog)
	assert.Equal(t, DefaultTimeout, info.Timeout)
	require.NotNil(t, info.AllowedHosts)

	allowed, _ := info.AllowedHosts.IsAllowed(context.Background(), netip.MustParseAddr("10.0.0.1"))
	assert.True(t, allowed)
}

// Endpoint joins address and port, bracketing IPv6 literals.
func TestConnectionInfoEndpoint(t *testing.T) {
	tests := []struct {
		// name is the test case name.
		name string

		// address is the configured address.
		address string

		// port is the configured port.
		port uint16

		// want is the expected endpoint.
		want string
	}{
		{
			name:    "hostname",
			address: "monitor.example.com",
			port:    5668,
			want:    "monitor.example.com:5668",
		},

		{
			name:    "IPv4 literal",
			address: "10.0.0.1",
			port:    5668,
			want:    "10.0.0.1:5668",
		},

		{
			name:    "IPv6 literal",
			address: "2001:db8::1",
			port:    5668,
			want:    "[2001:db8::1]:5668",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := &ConnectionInfo{Address: tt.address, Port: tt.port}
			assert.Equal(t, tt.want, info.Endpoint())
		})
	}
}

// Validate reports each configuration problem in order and includes the
// SSL problems.
func TestConnectionInfoValidate(t *testing.T) {
	tests := []struct {
		// name is the test case name.
		name string

		// info is the configuration under test.
		info *ConnectionInfo

		// want is the expected problem list.
		want []string
	}{
		{
			name: "usable configuration",
			info: &ConnectionInfo{
				Address: "monitor.example.com",
				Port:    5668,
				Timeout: 30 * time.Second,
			},
			want: []string{},
		},

		{
			name: "missing address",
			info: &ConnectionInfo{
				Port:    5668,
				Timeout: 30 * time.Second,
			},
			want: []string{"no address configured"},
		},

		{
			name: "missing port",
			info: &ConnectionInfo{
				Address: "monitor.example.com",
				Timeout: 30 * time.Second,
			},
			want: []string{"no port configured"},
		},

		{
			name: "zero timeout",
			info: &ConnectionInfo{
				Address: "monitor.example.com",
				Port:    5668,
			},
			want: []string{"timeout must be positive"},
		},

		{
			name: "everything missing",
			info: &ConnectionInfo{},
			want: []string{
				"no address configured",
				"no port configured",
				"timeout must be positive",
			},
		},

		{
			name: "ssl problems included",
			info: &ConnectionInfo{
				Address: "monitor.example.com",
				Port:    5668,
				Timeout: 30 * time.Second,
				SSL:     SSLOptions{Enabled: true},
			},
			want: []string{
				"ssl enabled but no certificate configured",
				"ssl enabled but no certificate key configured",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.info.Validate())
		})
	}
}

// ValidateSSL only reports problems when SSL is enabled and recognizes
// the empty, none, and peer verify modes.
func TestConnectionInfoValidateSSL(t *testing.T) {
	tests := []struct {
		// name is the test case name.
		name string

		// ssl is the SSL configuration under test.
		ssl SSLOptions

		// want is the expected problem list.
		want []string
	}{
		{
			name: "disabled reports nothing",
			ssl:  SSLOptions{},
			want: []string{},
		},

		{
			name: "enabled without material",
			ssl:  SSLOptions{Enabled: true},
			want: []string{
				"ssl enabled but no certificate configured",
				"ssl enabled but no certificate key configured",
			},
		},

		{
			name: "enabled with material and peer verification",
			ssl: SSLOptions{
				Enabled:        true,
				Certificate:    "/etc/nscp/cert.pem",
				CertificateKey: "/etc/nscp/key.pem",
				VerifyMode:     VerifyPeer,
			},
			want: []string{},
		},

		{
			name: "empty verify mode is the default",
			ssl: SSLOptions{
				Enabled:        true,
				Certificate:    "/etc/nscp/cert.pem",
				CertificateKey: "/etc/nscp/key.pem",
			},
			want: []string{},
		},

		{
			name: "unknown verify mode",
			ssl: SSLOptions{
				Enabled:        true,
				Certificate:    "/etc/nscp/cert.pem",
				CertificateKey: "/etc/nscp/key.pem",
				VerifyMode:     "bogus",
			},
			want: []string{`unknown ssl verify mode "bogus"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := &ConnectionInfo{SSL: tt.ssl}
			assert.Equal(t, tt.want, info.ValidateSSL())
		})
	}
}

// String summarizes only the populated SSL fields.
func TestSSLOptionsString(t *testing.T) {
	tests := []struct {
		// name is the test case name.
		name string

		// ssl is the SSL configuration under test.
		ssl SSLOptions

		// want is the expected summary.
		want string
	}{
		{
			name: "disabled",
			ssl:  SSLOptions{},
			want: "ssl disabled",
		},

		{
			name: "verify mode only",
			ssl: SSLOptions{
				Enabled:    true,
				VerifyMode: VerifyNone,
			},
			want: "ssl: none",
		},

		{
			name: "all fields populated",
			ssl: SSLOptions{
				Enabled:           true,
				Certificate:       "/etc/nscp/cert.pem",
				CertificateFormat: "PEM",
				CertificateKey:    "/etc/nscp/key.pem",
				CAPath:            "/etc/nscp/ca.pem",
				AllowedCiphers:    "ALL:!ADH",
				DHKey:             "/etc/nscp/dh.pem",
				VerifyMode:        VerifyPeer,
			},
			want: "ssl: peer, cert: /etc/nscp/cert.pem (PEM), key: /etc/nscp/key.pem, " +
				"dh: /etc/nscp/dh.pem, ciphers: ALL:!ADH, ca: /etc/nscp/ca.pem",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.ssl.String())
		})
	}
}

// TLSConfig only verifies the peer certificate under VerifyPeer and uses
// the configured address as the server name.
func TestConnectionInfoTLSConfig(t *testing.T) {
	tests := []struct {
		// name is the test case name.
		name string

		// verifyMode is the configured verify mode.
		verifyMode string

		// wantInsecure is the expected InsecureSkipVerify value.
		wantInsecure bool
	}{
		{
			name:         "peer verification",
			verifyMode:   VerifyPeer,
			wantInsecure: false,
		},

		{
			name:         "no verification",
			verifyMode:   VerifyNone,
			wantInsecure: true,
		},

		{
			name:         "default mode",
			verifyMode:   "",
			wantInsecure: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := &ConnectionInfo{
				Address: "monitor.example.com",
				SSL:     SSLOptions{Enabled: true, VerifyMode: tt.verifyMode},
			}

			config := info.TLSConfig()

			assert.Equal(t, tt.wantInsecure, config.InsecureSkipVerify)
			assert.Equal(t, "monitor.example.com", config.ServerName)
		})
	}
}
