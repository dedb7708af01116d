// Package pipeline upgrades encoded model buffers from their source
// version to a target version: decode, apply each migration step, encode.
// A Pipeline holds only immutable state and is safe for concurrent use.
package pipeline

import (
	"time"

	"go.uber.org/zap"

	"github.com/modelup/modelup/internal/catalog"
	"github.com/modelup/modelup/internal/codec"
	uperrors "github.com/modelup/modelup/internal/errors"
	"github.com/modelup/modelup/internal/graph"
	"github.com/modelup/modelup/internal/migration"
)

// LatestVersion selects the newest catalog version as the target.
const LatestVersion = -1

// VersionedBuffer is an encoded model plus an optional caller-declared
// source version.
type VersionedBuffer struct {
	Data []byte
	// Version is the source version when Declared is set.
	Version  int
	Declared bool
}

// Declared wraps data with a known source version.
func Declared(data []byte, version int) VersionedBuffer {
	return VersionedBuffer{Data: data, Version: version, Declared: true}
}

// Detect wraps data whose version the pipeline must determine.
func Detect(data []byte) VersionedBuffer {
	return VersionedBuffer{Data: data}
}

// Result is a completed upgrade.
type Result struct {
	Data          []byte
	SourceVersion int
	TargetVersion int
	Detection     DetectionMethod
	Steps         []string
	Duration      time.Duration
}

// Pipeline upgrades buffers against one catalog and migration chain.
type Pipeline struct {
	catalog  *catalog.Catalog
	chain    *migration.Chain
	logger   *zap.Logger
	maxDepth int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger used for step boundaries.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithChain replaces the built-in migration chain.
func WithChain(chain *migration.Chain) Option {
	return func(p *Pipeline) {
		p.chain = chain
	}
}

// WithMaxDepth sets the reader nesting limit.
func WithMaxDepth(depth int) Option {
	return func(p *Pipeline) {
		p.maxDepth = depth
	}
}

// New creates a Pipeline. It fails if the chain does not connect every
// catalog version to the latest.
func New(cat *catalog.Catalog, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		catalog:  cat,
		chain:    migration.Default(),
		logger:   zap.NewNop(),
		maxDepth: codec.DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.chain.Validate(cat); err != nil {
		return nil, err
	}
	return p, nil
}

// Catalog returns the catalog the pipeline was built with.
func (p *Pipeline) Catalog() *catalog.Catalog {
	return p.catalog
}

// Chain returns the migration chain.
func (p *Pipeline) Chain() *migration.Chain {
	return p.chain
}

func (p *Pipeline) reader(e *catalog.Entry) *codec.Reader {
	return codec.NewReader(e.Schema, codec.WithMaxDepth(p.maxDepth))
}

// Upgrade migrates in to target, or to the latest version when target is
// LatestVersion. Upgrading to the source version re-encodes the buffer
// through the codec. No output is returned on error.
func (p *Pipeline) Upgrade(in VersionedBuffer, target int) (*Result, error) {
	start := time.Now()

	root, det, err := p.decode(in)
	if err != nil {
		return nil, err
	}
	if target == LatestVersion {
		target = p.catalog.Latest().Version
	}
	targetEntry, ok := p.catalog.Get(target)
	if !ok || target < det.version {
		return nil, uperrors.NoMigrationPath(det.version, target)
	}
	path, err := p.chain.Path(det.version, target)
	if err != nil {
		return nil, err
	}

	logger := p.logger.With(
		zap.Int("source_version", det.version),
		zap.Int("target_version", target),
		zap.String("detection", string(det.method)),
	)

	steps := make([]string, 0, len(path))
	for _, step := range path {
		logger.Debug("applying migration step",
			zap.String("step", step.Name()),
			zap.Int("from", step.From()),
			zap.Int("to", step.To()))
		if root, err = step.Apply(root); err != nil {
			logger.Debug("migration step failed", zap.String("step", step.Name()), zap.Error(err))
			return nil, err
		}
		steps = append(steps, step.Name())
	}

	out, err := codec.NewWriter(targetEntry.Schema).Write(root)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Data:          out,
		SourceVersion: det.version,
		TargetVersion: target,
		Detection:     det.method,
		Steps:         steps,
		Duration:      time.Since(start),
	}
	logger.Debug("upgrade complete",
		zap.Int("input_bytes", len(in.Data)),
		zap.Int("output_bytes", len(out)),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// UpgradeToLatest is Upgrade with LatestVersion.
func (p *Pipeline) UpgradeToLatest(in VersionedBuffer) (*Result, error) {
	return p.Upgrade(in, LatestVersion)
}

// Decode detects the source version of in and decodes it.
func (p *Pipeline) Decode(in VersionedBuffer) (*graph.Table, int, DetectionMethod, error) {
	root, det, err := p.decode(in)
	if err != nil {
		return nil, 0, "", err
	}
	return root, det.version, det.method, nil
}

func (p *Pipeline) decode(in VersionedBuffer) (*graph.Table, *detection, error) {
	det, err := p.detect(in)
	if err != nil {
		return nil, nil, err
	}
	if det.graph != nil {
		return det.graph, det, nil
	}
	entry, _ := p.catalog.Get(det.version)
	root, err := p.reader(entry).Read(in.Data)
	if err != nil {
		return nil, nil, err
	}
	return root, det, nil
}
