// Package timeouts defines shared timeout constants used across kernel
// processes.
package timeouts

import "time"

// GRPCDial caps the wait time when dialing the kernel gRPC endpoint.
const GRPCDial = 2 * time.Second

// GRPCRequest caps the time allowed for a single operator request.
const GRPCRequest = 10 * time.Second

// MigrationStep caps one operator-driven migration step request; steps may
// forward thousands of legacy records.
const MigrationStep = 10 * time.Minute

// Shutdown limits how long a server waits for in-flight requests during
// graceful shutdown.
const Shutdown = 5 * time.Second
