package batch

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/modelup/modelup/internal/catalog"
	"github.com/modelup/modelup/internal/codec"
	"github.com/modelup/modelup/internal/config"
	"github.com/modelup/modelup/internal/container"
	uperrors "github.com/modelup/modelup/internal/errors"
	"github.com/modelup/modelup/internal/graph"
	"github.com/modelup/modelup/internal/ledger"
	"github.com/modelup/modelup/internal/pipeline"
	"github.com/modelup/modelup/internal/storage"
)

var bundled = catalog.MustBundled()

func model(description string) *graph.Table {
	return graph.NewTable("Model").
		With(0, graph.Uint32(0)).
		With(1, graph.Tables(
			graph.NewTable("Tensor").With(0, graph.Str("in")).With(3, graph.Bytes([]byte{1, 2})),
			graph.NewTable("Tensor").With(0, graph.Str("out")),
		)).
		With(2, graph.Tables(
			graph.NewTable("Operator").With(0, graph.Str("relu")).With(1, graph.Int32(0)),
		)).
		With(3, graph.Tables(
			graph.NewTable("Edge").With(0, graph.Int32(0)).With(1, graph.Int32(0)),
			graph.NewTable("Edge").With(0, graph.Int32(0)).With(1, graph.Int32(1)).With(2, graph.Bool(true)),
		)).
		With(4, graph.Str(description))
}

func encodeV0(t *testing.T, description string) []byte {
	t.Helper()
	e, ok := bundled.Get(0)
	require.True(t, ok)
	buf, err := codec.Write(model(description), e.Schema)
	require.NoError(t, err)
	return buf
}

type fixture struct {
	store  *storage.LocalStorage
	pipe   *pipeline.Pipeline
	ledger *ledger.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewLocalStorage(filepath.Join(dir, "objects"))
	require.NoError(t, err)
	pipe, err := pipeline.New(bundled)
	require.NoError(t, err)
	l, err := ledger.Open(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return &fixture{store: store, pipe: pipe, ledger: l}
}

func (f *fixture) put(t *testing.T, key string, data []byte) {
	t.Helper()
	require.NoError(t, f.store.Put(context.Background(), key, data))
}

func batchConfig() config.BatchConfig {
	return config.BatchConfig{Concurrency: 3, OutputPrefix: "upgraded/"}
}

func TestRun_UpgradesAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, key := range []string{"fleet/a.bin", "fleet/b.bin", "fleet/c.bin"} {
		f.put(t, key, encodeV0(t, key))
	}

	runner := NewRunner(f.store, f.pipe, batchConfig(), WithLedger(f.ledger))
	report, err := runner.Run(ctx, "fleet/")
	require.NoError(t, err)
	require.NoError(t, report.Err())

	assert.Equal(t, 3, report.Target)
	assert.Len(t, report.Outcomes, 3)
	assert.Equal(t, int64(3), report.Summary.Succeeded)
	require.Len(t, report.Summary.Versions, 1)
	assert.Equal(t, 0, report.Summary.Versions[0].Version)

	latest := bundled.Latest()
	for _, o := range report.Outcomes {
		assert.Equal(t, ledger.StatusSucceeded, o.Status)
		assert.Equal(t, "upgraded/"+o.Key, o.OutputKey)

		out, err := f.store.Get(ctx, o.OutputKey)
		require.NoError(t, err)
		root, err := codec.NewReader(latest.Schema).Read(out)
		require.NoError(t, err, o.Key)
		version, ok := root.Scalar(0)
		require.True(t, ok)
		assert.Equal(t, uint64(latest.Version), version.Uint())
	}

	run, err := f.ledger.GetRun(ctx, report.RunID)
	require.NoError(t, err)
	require.NotNil(t, run.FinishedAt)
	assert.Equal(t, int64(3), run.Succeeded)

	records, err := f.ledger.Records(ctx, report.RunID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, rec := range records {
		assert.Equal(t, 0, rec.SourceVersion)
		assert.Equal(t, string(pipeline.DetectedVersionField), rec.Detection)
		assert.NotEmpty(t, rec.OutputFingerprint)
	}
}

func TestRun_FailuresAreCollected(t *testing.T) {
	f := newFixture(t)
	f.put(t, "m/good.bin", encodeV0(t, "good"))
	f.put(t, "m/bad.bin", []byte{1, 2, 3})

	report, err := NewRunner(f.store, f.pipe, batchConfig(), WithLedger(f.ledger)).Run(context.Background(), "m/")
	require.NoError(t, err)

	runErr := report.Err()
	require.Error(t, runErr)
	assert.True(t, errors.Is(runErr, uperrors.ErrCorruptBuffer))
	var objErr *ObjectError
	require.True(t, errors.As(runErr, &objErr))
	assert.Equal(t, "m/bad.bin", objErr.Key)

	assert.Equal(t, int64(1), report.Summary.Succeeded)
	assert.Equal(t, int64(1), report.Summary.Failed)
	assert.Equal(t, int64(1), report.Summary.Codes[uperrors.CodeCorruptBuffer])

	exists, err := f.store.Exists(context.Background(), "upgraded/m/bad.bin")
	require.NoError(t, err)
	assert.False(t, exists, "a failed upgrade must not write output")

	records, err := f.ledger.Records(context.Background(), report.RunID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, ledger.StatusFailed, records[0].Status)
	assert.Equal(t, uperrors.CodeCorruptBuffer, records[0].ErrorCode)
	assert.Equal(t, -1, records[0].SourceVersion)
}

func TestRun_FailFast(t *testing.T) {
	f := newFixture(t)
	f.put(t, "m/bad.bin", []byte{0xff})

	cfg := batchConfig()
	cfg.Concurrency = 1
	cfg.FailFast = true
	_, err := NewRunner(f.store, f.pipe, cfg).Run(context.Background(), "m/")
	require.Error(t, err)
	var objErr *ObjectError
	require.True(t, errors.As(err, &objErr))
	assert.Equal(t, uperrors.CodeCorruptBuffer, uperrors.GetCode(err))
}

func TestRun_SkipUpgraded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t, "m/a.bin", encodeV0(t, "a"))

	cfg := batchConfig()
	cfg.SkipUpgraded = true
	runner := NewRunner(f.store, f.pipe, cfg, WithLedger(f.ledger))

	first, err := runner.Run(ctx, "m/")
	require.NoError(t, err)
	require.Len(t, first.Outcomes, 1)
	assert.Equal(t, ledger.StatusSucceeded, first.Outcomes[0].Status)

	// An identical input under another key is recognized by fingerprint.
	f.put(t, "m/copy.bin", encodeV0(t, "a"))
	second, err := runner.Run(ctx, "m/")
	require.NoError(t, err)
	require.Len(t, second.Outcomes, 2)
	for _, o := range second.Outcomes {
		assert.Equal(t, ledger.StatusSkipped, o.Status, o.Key)
		assert.Equal(t, "upgraded/m/a.bin", o.OutputKey)
	}
	assert.Equal(t, int64(2), second.Summary.Skipped)

	run, err := f.ledger.GetRun(ctx, second.RunID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), run.Skipped)
}

func TestRun_OutputsAreNotInputs(t *testing.T) {
	f := newFixture(t)
	f.put(t, "a.bin", encodeV0(t, "a"))

	cfg := batchConfig()
	runner := NewRunner(f.store, f.pipe, cfg)
	_, err := runner.Run(context.Background(), "")
	require.NoError(t, err)

	again, err := runner.Run(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, again.Outcomes, 1)
	assert.Equal(t, "a.bin", again.Outcomes[0].Key)
}

func TestRun_Compression(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	packed, err := container.Wrap(encodeV0(t, "packed"), config.CompressionSnappy)
	require.NoError(t, err)
	f.put(t, "m/packed.bin", packed)
	f.put(t, "m/plain.bin", encodeV0(t, "plain"))

	// Empty compression keeps each input's container.
	_, err = NewRunner(f.store, f.pipe, batchConfig()).Run(ctx, "m/")
	require.NoError(t, err)
	out, err := f.store.Get(ctx, "upgraded/m/packed.bin")
	require.NoError(t, err)
	assert.True(t, container.IsSnappy(out))
	out, err = f.store.Get(ctx, "upgraded/m/plain.bin")
	require.NoError(t, err)
	assert.False(t, container.IsSnappy(out))

	_, err = NewRunner(f.store, f.pipe, batchConfig(), WithCompression(config.CompressionSnappy)).Run(ctx, "m/")
	require.NoError(t, err)
	out, err = f.store.Get(ctx, "upgraded/m/plain.bin")
	require.NoError(t, err)
	assert.True(t, container.IsSnappy(out))
}

func TestRun_ExplicitTargetAndLogging(t *testing.T) {
	f := newFixture(t)
	f.put(t, "m/a.bin", encodeV0(t, "a"))

	core, logs := observer.New(zap.InfoLevel)
	report, err := NewRunner(f.store, f.pipe, batchConfig(),
		WithTarget(1), WithLogger(zap.New(core))).Run(context.Background(), "m/")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Target)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, 1, report.Outcomes[0].Result.TargetVersion)
	assert.Empty(t, report.RunID, "no ledger means no run id")

	assert.Equal(t, 1, logs.FilterMessage("batch started").Len())
	assert.Equal(t, 1, logs.FilterMessage("batch complete").Len())
}

func TestRun_ListFailure(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewRunner(f.store, f.pipe, batchConfig()).Run(ctx, "")
	assert.ErrorIs(t, err, context.Canceled)
}
