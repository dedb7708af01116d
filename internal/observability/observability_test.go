package observability

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/modelup/modelup/internal/config"
	uperrors "github.com/modelup/modelup/internal/errors"
)

// TestRecordConcurrent tests concurrent Record calls for race conditions.
func TestRecordConcurrent(t *testing.T) {
	stats := NewUpgradeStats()
	var wg sync.WaitGroup
	numGoroutines := 10
	recordsPerGoroutine := 100

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < recordsPerGoroutine; j++ {
				stats.RecordSuccess(id%2, "version_field", 10, 20, time.Millisecond)
				stats.RecordFailure(2, uperrors.CorruptBuffer("bad"))
			}
		}(i)
	}
	wg.Wait()

	sum := stats.Summary()
	total := int64(numGoroutines * recordsPerGoroutine)
	if sum.Succeeded != total || sum.Failed != total {
		t.Errorf("succeeded=%d failed=%d, want %d each", sum.Succeeded, sum.Failed, total)
	}
	if sum.BytesIn != total*10 || sum.BytesOut != total*20 {
		t.Errorf("bytes in=%d out=%d", sum.BytesIn, sum.BytesOut)
	}
	if sum.Codes[uperrors.CodeCorruptBuffer] != total {
		t.Errorf("CORRUPT_BUFFER count = %d, want %d", sum.Codes[uperrors.CodeCorruptBuffer], total)
	}
	if len(sum.Versions) != 3 {
		t.Fatalf("expected 3 versions, got %d", len(sum.Versions))
	}
	for i, vs := range sum.Versions {
		if vs.Version != i {
			t.Errorf("versions not sorted: index %d has v%d", i, vs.Version)
		}
	}
	if sum.Versions[2].Failed != total || sum.Versions[2].Succeeded != 0 {
		t.Errorf("v2 stats = %+v", sum.Versions[2])
	}
}

func TestRecordFailure_UnknownVersionAndCode(t *testing.T) {
	stats := NewUpgradeStats()
	stats.RecordFailure(-1, errUntyped{})
	stats.RecordSkip()

	sum := stats.Summary()
	if len(sum.Versions) != 0 {
		t.Errorf("undetermined version should not create a version entry: %+v", sum.Versions)
	}
	if sum.Codes[uperrors.CodeUnexpected] != 1 {
		t.Errorf("untyped errors should count as UNEXPECTED: %v", sum.Codes)
	}
	if sum.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", sum.Skipped)
	}
}

type errUntyped struct{}

func (errUntyped) Error() string { return "boom" }

// TestSummaryIsCopy tests that mutating a summary does not affect the tracker.
func TestSummaryIsCopy(t *testing.T) {
	stats := NewUpgradeStats()
	stats.RecordSuccess(0, "declared", 1, 1, 0)

	sum := stats.Summary()
	sum.Versions[0].Detection["declared"] = 99
	sum.Codes["X"] = 1

	again := stats.Summary()
	if again.Versions[0].Detection["declared"] != 1 {
		t.Error("summary shares the detection map")
	}
	if len(again.Codes) != 0 {
		t.Error("summary shares the code map")
	}
}

func TestLog(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	stats := NewUpgradeStats()
	stats.RecordSuccess(1, "inferred", 5, 6, time.Second)
	stats.RecordFailure(0, uperrors.NoMigrationPath(0, 9))

	stats.Log(zap.New(core), "batch complete")

	entries := logs.FilterMessage("batch complete").All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["succeeded"] != int64(1) || fields["from_v1"] != int64(1) {
		t.Errorf("unexpected fields: %v", fields)
	}
	if _, ok := fields["errors"]; !ok {
		t.Error("error codes missing from the summary entry")
	}
}

func TestNewLogger(t *testing.T) {
	for _, enc := range []string{"json", "console", ""} {
		logger, err := NewLogger(config.LogConfig{Level: "debug", Encoding: enc})
		if err != nil {
			t.Fatalf("NewLogger(%q) failed: %v", enc, err)
		}
		if !logger.Core().Enabled(zap.DebugLevel) {
			t.Errorf("encoding %q: debug should be enabled", enc)
		}
	}

	if _, err := NewLogger(config.LogConfig{Level: "loud"}); uperrors.GetCode(err) != uperrors.CodeInvalidConfig {
		t.Errorf("invalid level error = %v", err)
	}
}
