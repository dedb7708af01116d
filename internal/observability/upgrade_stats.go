package observability

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	uperrors "github.com/modelup/modelup/internal/errors"
)

// UpgradeStats counts upgrade outcomes per source version and per error
// code. It is safe for concurrent use.
type UpgradeStats struct {
	mu        sync.RWMutex
	bySource  map[int]*VersionStats
	byCode    map[string]int64
	succeeded int64
	failed    int64
	skipped   int64
	bytesIn   int64
	bytesOut  int64
	elapsed   time.Duration
}

// VersionStats holds counters for one source version.
type VersionStats struct {
	Version   int
	Succeeded int64
	Failed    int64
	Detection map[string]int64 // detection method → count
}

// Summary is a point-in-time copy of UpgradeStats.
type Summary struct {
	Succeeded int64
	Failed    int64
	Skipped   int64
	BytesIn   int64
	BytesOut  int64
	Elapsed   time.Duration
	Versions  []VersionStats
	Codes     map[string]int64
}

// NewUpgradeStats creates an empty statistics tracker.
func NewUpgradeStats() *UpgradeStats {
	return &UpgradeStats{
		bySource: make(map[int]*VersionStats),
		byCode:   make(map[string]int64),
	}
}

func (s *UpgradeStats) version(v int) *VersionStats {
	vs, ok := s.bySource[v]
	if !ok {
		vs = &VersionStats{Version: v, Detection: make(map[string]int64)}
		s.bySource[v] = vs
	}
	return vs
}

// RecordSuccess records a completed upgrade.
func (s *UpgradeStats) RecordSuccess(source int, detection string, in, out int, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vs := s.version(source)
	vs.Succeeded++
	vs.Detection[detection]++
	s.succeeded++
	s.bytesIn += int64(in)
	s.bytesOut += int64(out)
	s.elapsed += d
}

// RecordFailure records a failed upgrade. source is -1 when the version
// was never determined.
func (s *UpgradeStats) RecordFailure(source int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if source >= 0 {
		s.version(source).Failed++
	}
	code := uperrors.GetCode(err)
	if code == "" {
		code = uperrors.CodeUnexpected
	}
	s.byCode[code]++
	s.failed++
}

// RecordSkip records an input skipped because it was already upgraded.
func (s *UpgradeStats) RecordSkip() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipped++
}

// Summary returns a copy of the counters with versions sorted ascending.
func (s *UpgradeStats) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := Summary{
		Succeeded: s.succeeded,
		Failed:    s.failed,
		Skipped:   s.skipped,
		BytesIn:   s.bytesIn,
		BytesOut:  s.bytesOut,
		Elapsed:   s.elapsed,
		Versions:  make([]VersionStats, 0, len(s.bySource)),
		Codes:     make(map[string]int64, len(s.byCode)),
	}
	for _, vs := range s.bySource {
		c := VersionStats{
			Version:   vs.Version,
			Succeeded: vs.Succeeded,
			Failed:    vs.Failed,
			Detection: make(map[string]int64, len(vs.Detection)),
		}
		for k, n := range vs.Detection {
			c.Detection[k] = n
		}
		sum.Versions = append(sum.Versions, c)
	}
	sort.Slice(sum.Versions, func(i, j int) bool {
		return sum.Versions[i].Version < sum.Versions[j].Version
	})
	for code, n := range s.byCode {
		sum.Codes[code] = n
	}
	return sum
}

// Log writes the summary as one info entry.
func (s *UpgradeStats) Log(logger *zap.Logger, msg string) {
	sum := s.Summary()
	fields := []zap.Field{
		zap.Int64("succeeded", sum.Succeeded),
		zap.Int64("failed", sum.Failed),
		zap.Int64("skipped", sum.Skipped),
		zap.Int64("bytes_in", sum.BytesIn),
		zap.Int64("bytes_out", sum.BytesOut),
		zap.Duration("upgrade_time", sum.Elapsed),
	}
	for _, vs := range sum.Versions {
		fields = append(fields, zap.Int64("from_v"+strconv.Itoa(vs.Version), vs.Succeeded))
	}
	if len(sum.Codes) > 0 {
		fields = append(fields, zap.Any("errors", sum.Codes))
	}
	logger.Info(msg, fields...)
}
