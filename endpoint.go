// SPDX-License-Identifier: GPL-3.0-or-later

package nscp

// NewEndpointFunc returns a [Func] that always returns the given endpoint.
//
// The endpoint is in "host:port" form as produced by [ConnectionInfo.Endpoint].
//
// This is a convenience wrapper around [ConstFunc] for the common case of
// injecting a network endpoint into a pipeline.
func NewEndpointFunc(endpoint string) Func[Unit, string] {
	return ConstFunc(endpoint)
}
