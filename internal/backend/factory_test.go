package backend

import (
	"context"
	"path/filepath"
	"testing"

	"ledgersync/internal/config"
	"ledgersync/internal/ledger/memory"
	"ledgersync/internal/storage"
	journalmem "ledgersync/internal/sheets/memory"
	"ledgersync/internal/testutil"
)

func TestCreateMemoryBackend(t *testing.T) {
	res, err := NewFactory(nil).CreateBackend(context.Background(), Config{Type: MemoryBackend, Journal: MemoryJournal})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer res.Cleanup()

	if _, ok := res.Store.(*memory.Store); !ok {
		t.Errorf("expected memory store, got %T", res.Store)
	}
	if res.Feed == nil {
		t.Error("memory ledger should expose its change feed")
	}
	if _, ok := res.Journal.(*journalmem.Journal); !ok {
		t.Errorf("expected memory journal, got %T", res.Journal)
	}
	if res.Faults != nil || res.Broker != nil {
		t.Error("faults and broker should be disabled")
	}
}

func TestCreateSQLiteBackend(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	res, err := NewFactory(nil).CreateBackend(context.Background(), Config{
		Type:         SQLiteBackend,
		SQLiteDBPath: dbPath,
		Journal:      NoJournal,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer res.Cleanup()

	if _, ok := res.Store.(*storage.SQLStore); !ok {
		t.Fatalf("expected SQL store, got %T", res.Store)
	}
	if res.Journal != nil {
		t.Errorf("expected no journal, got %T", res.Journal)
	}
	testutil.CreateTestCategory(t, res.Store, "Groceries")
}

func TestFailureInjectionWrapsStore(t *testing.T) {
	res, err := NewFactory(nil).CreateBackend(context.Background(), Config{Type: MemoryBackend, FailureRate: 0.5})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.Faults == nil || res.Store != res.Faults {
		t.Fatal("expected the store to be wrapped by the fault injector")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"memory", Config{Type: MemoryBackend}, false},
		{"unknown type", Config{Type: "sheets"}, true},
		{"sqlite without path", Config{Type: SQLiteBackend}, true},
		{"postgres without dsn", Config{Type: PostgresBackend}, true},
		{"sheets journal without spreadsheet", Config{Type: MemoryBackend, Journal: SheetsJournal}, true},
		{"bad journal", Config{Type: MemoryBackend, Journal: "ftp"}, true},
		{"bad failure rate", Config{Type: MemoryBackend, FailureRate: 1.5}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFromAppConfig(t *testing.T) {
	if _, err := FromAppConfig(nil); err == nil {
		t.Fatal("expected error for nil config")
	}

	cfg, err := FromAppConfig(&config.Config{
		DataBackend:         "postgres",
		PostgresDSN:         "postgres://localhost/ledger",
		JournalBackend:      "sheets",
		GoogleSpreadsheetID: "abc",
		GoogleJournalSheet:  "Journal",
		AMQPURL:             "amqp://localhost",
		AMQPExchange:        "ledger",
	})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if cfg.Type != PostgresBackend || cfg.Journal != SheetsJournal {
		t.Errorf("unexpected types %s/%s", cfg.Type, cfg.Journal)
	}
	if cfg.Google.SpreadsheetID != "abc" || cfg.Google.SheetName != "Journal" {
		t.Errorf("google config not carried over: %+v", cfg.Google)
	}

	if _, err := FromAppConfig(&config.Config{DataBackend: "memory", JournalBackend: "s3"}); err == nil {
		t.Error("expected error for unknown journal")
	}
}

func TestGetBackendTypeStrings(t *testing.T) {
	got := GetBackendTypeStrings()
	want := []string{"memory", "sqlite", "postgres"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}
