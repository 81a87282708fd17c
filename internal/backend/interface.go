// Package backend assembles the ledger, journal and broker a process runs
// against from configuration.
package backend

import (
	"context"

	"ledgersync/internal/amqp"
	"ledgersync/internal/ledger"
	"ledgersync/internal/ledger/faulty"
	"ledgersync/internal/sheets"
	"ledgersync/internal/sheets/google"
)

// CleanupFunc represents a cleanup function for resources
type CleanupFunc func() error

// BackendResult holds everything a process needs from its backend.
type BackendResult struct {
	Store ledger.Store
	// Feed is nil when the ledger cannot replay its changes.
	Feed ledger.ChangeFeed
	// Faults is set when failure injection is enabled.
	Faults *faulty.Store
	// Broker is nil when AMQP is not configured or unreachable.
	Broker *amqp.Client
	// Journal is nil when the journal is disabled.
	Journal sheets.Journal
	Cleanup CleanupFunc
}

// Factory creates backends based on configuration
type Factory interface {
	CreateBackend(ctx context.Context, config Config) (*BackendResult, error)
}

// Config holds configuration for backend creation
type Config struct {
	Type BackendType

	SQLiteDBPath string
	PostgresDSN  string
	FailureRate  float64

	AMQPURL      string
	AMQPExchange string
	// AMQPQueue empty declares a private per-connection queue.
	AMQPQueue string

	Journal JournalType
	Google  google.Config
}

// BackendType represents the type of ledger backend
type BackendType string

const (
	MemoryBackend   BackendType = "memory"
	SQLiteBackend   BackendType = "sqlite"
	PostgresBackend BackendType = "postgres"
)

// String implements fmt.Stringer
func (bt BackendType) String() string {
	return string(bt)
}

// IsValid returns true if the backend type is valid
func (bt BackendType) IsValid() bool {
	switch bt {
	case MemoryBackend, SQLiteBackend, PostgresBackend:
		return true
	default:
		return false
	}
}

// JournalType selects where committed entries are mirrored.
type JournalType string

const (
	NoJournal     JournalType = "none"
	MemoryJournal JournalType = "memory"
	SheetsJournal JournalType = "sheets"
)

func (jt JournalType) IsValid() bool {
	switch jt {
	case NoJournal, MemoryJournal, SheetsJournal:
		return true
	default:
		return false
	}
}
