// Copyright 2026 The Keybridge Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"io"
	"net"
)

// BridgeStats reports how many bytes each direction of a bridge moved
// before it terminated. The counters exist for observability (debug
// logging of relay sessions); correctness never depends on them.
type BridgeStats struct {
	// AToB is the number of bytes copied from connection A to
	// connection B.
	AToB int64

	// BToA is the number of bytes copied from connection B to
	// connection A.
	BToA int64
}

// bridgeCopyResult holds the outcome of one direction of a
// bidirectional copy.
type bridgeCopyResult struct {
	aToB        bool
	bytesCopied int64
	err         error
}

// Bridge copies bytes bidirectionally between two connections until
// either side closes or errors. Both connections are closed before
// returning, which unblocks the surviving copy goroutine.
//
// Returns the transfer counters and the error from the direction that
// terminated first, or a nil error when termination was normal
// connection closure (EOF, peer disconnect, broken pipe, connection
// reset). A relay session that fails for any other reason surfaces
// that error to the caller for logging; the session is torn down
// either way.
func Bridge(connectionA, connectionB net.Conn) (BridgeStats, error) {
	done := make(chan bridgeCopyResult, 2)

	go func() {
		bytesCopied, err := io.Copy(connectionB, connectionA)
		done <- bridgeCopyResult{aToB: true, bytesCopied: bytesCopied, err: err}
	}()

	go func() {
		bytesCopied, err := io.Copy(connectionA, connectionB)
		done <- bridgeCopyResult{aToB: false, bytesCopied: bytesCopied, err: err}
	}()

	// Wait for one direction to finish, then close both endpoints to
	// unblock the other.
	first := <-done
	connectionA.Close()
	connectionB.Close()
	second := <-done

	var stats BridgeStats
	for _, result := range []bridgeCopyResult{first, second} {
		if result.aToB {
			stats.AToB = result.bytesCopied
		} else {
			stats.BToA = result.bytesCopied
		}
	}

	if first.err != nil && !IsExpectedCloseError(first.err) {
		return stats, first.err
	}
	return stats, nil
}
