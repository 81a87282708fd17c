package cli

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTrackerOptions(t *testing.T) {
	cfg := testConfig()
	cfg.WarningPercent = 70
	cfg.RetryMaxDelay = time.Minute

	opts := TrackerOptions(cfg, testLogger())
	if opts.Thresholds.WarningPercent != 70 || opts.Thresholds.ExceededPercent != 100 {
		t.Errorf("thresholds %+v", opts.Thresholds)
	}
	if opts.Reconcile.MaxDelay != time.Minute || opts.Reconcile.MaxAttempts != 3 || opts.Reconcile.Concurrency != 2 {
		t.Errorf("reconcile config %+v", opts.Reconcile)
	}
	if opts.RollupCacheSize == 0 || opts.CacheSweepInterval == 0 || opts.Logger == nil {
		t.Error("defaults should be kept")
	}
}
