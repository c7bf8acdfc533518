// SPDX-License-Identifier: GPL-3.0-or-later

package nscp_test

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/johanthoren/nscp"
)

// This example shows how to compose a submission pipeline that delivers
// one passive check result to a monitoring endpoint.
func Example_submit() {
	// The scripted listener stands in for a monitoring server: it sends
	// the init packet and drains one request, like the real thing.
	listener := runtimex.PanicOnError1(net.Listen("tcp", "127.0.0.1:0"))
	defer listener.Close()
	go func() {
		conn := runtimex.PanicOnError1(listener.Accept())
		defer conn.Close()

		init := make([]byte, nscp.InitPacketLength)
		runtimex.PanicOnError1(rand.Read(init[:nscp.TransmittedIVLength]))
		binary.BigEndian.PutUint32(init[nscp.TransmittedIVLength:], uint32(time.Now().Unix()))
		runtimex.PanicOnError1(conn.Write(init))

		runtimex.PanicOnError1(io.ReadFull(conn, make([]byte, 720)))
	}()

	// Create context with overall timeout for the entire operation.
	// Caller controls timeout externally - nscp never modifies the context.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Create a config and logger with a span ID for correlating log entries
	cfg := nscp.NewConfig()
	spanID := nscp.NewSpanID()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("spanID", spanID)

	// The connection info carries the per-step timeout and TLS settings.
	info := nscp.NewConnectionInfo(cfg, logger)

	// Create pipeline for establishing the client connection.
	// CancelWatchFunc binds context lifecycle to connection lifecycle:
	// when context is done (timeout, cancel, signal), connection closes.
	epntOp := nscp.NewEndpointFunc(listener.Addr().String())

	connectOp := nscp.NewConnectFunc(cfg, "tcp", logger)

	observeOp := nscp.NewObserveConnFunc(cfg, logger)

	autoCancelOp := nscp.NewCancelWatchFunc()

	wrapOp := nscp.NewClientConnFunc(cfg, info, "s3cret", "aes", logger)

	dialPipe := nscp.Compose5(epntOp, connectOp, observeOp, autoCancelOp, wrapOp)

	// Connect and wrap in ClientConn (which owns the underlying connection)
	client := runtimex.PanicOnError1(dialPipe.Call(ctx, nscp.Unit{}))
	defer client.Close()

	// Submit the passive check result
	report := nscp.NewDataPacket(nscp.StatusOK, "web01", "disk", "DISK OK - free space 42%")
	delivered := runtimex.PanicOnError1(client.Submit(ctx, report))

	// Print the outcome
	fmt.Printf("delivered: %v\n", delivered)

	// Output:
	// delivered: true
}
