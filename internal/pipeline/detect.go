package pipeline

import (
	"github.com/modelup/modelup/internal/catalog"
	"github.com/modelup/modelup/internal/codec"
	uperrors "github.com/modelup/modelup/internal/errors"
	"github.com/modelup/modelup/internal/graph"
)

// DetectionMethod records how a source version was determined.
type DetectionMethod string

const (
	DetectedDeclared     DetectionMethod = "declared"
	DetectedIdentifier   DetectionMethod = "file_identifier"
	DetectedVersionField DetectionMethod = "version_field"
	DetectedInferred     DetectionMethod = "inferred"
)

// detection is a resolved source version, with the decoded graph when
// detection had to decode the buffer anyway.
type detection struct {
	version int
	method  DetectionMethod
	graph   *graph.Table
}

// detect resolves the source version of in: declared version, then file
// identifier, then the root version field, then inference by decoding.
func (p *Pipeline) detect(in VersionedBuffer) (*detection, error) {
	if in.Declared {
		if _, ok := p.catalog.Get(in.Version); !ok {
			return nil, uperrors.UnsupportedSourceVersion(in.Version)
		}
		return &detection{version: in.Version, method: DetectedDeclared}, nil
	}

	candidates := p.catalog.Entries()
	if id, ok := codec.FileIdentifier(in.Data); ok {
		if tagged := p.catalog.WithFileIdentifier(id); len(tagged) > 0 {
			if len(tagged) == 1 {
				return &detection{version: tagged[0].Version, method: DetectedIdentifier}, nil
			}
			candidates = tagged
		}
	}

	version, present, err := codec.PeekVersion(in.Data)
	if err != nil {
		return nil, err
	}
	if present {
		if _, ok := p.catalog.Get(int(version)); !ok {
			return nil, uperrors.UnsupportedSourceVersion(int(version))
		}
		return &detection{version: int(version), method: DetectedVersionField}, nil
	}

	return p.infer(in.Data, candidates)
}

// infer decodes data against each candidate, oldest first. A clean decode
// with no unknown payloads wins; otherwise the first decode without error;
// otherwise the last error.
func (p *Pipeline) infer(data []byte, candidates []*catalog.Entry) (*detection, error) {
	var fallback *detection
	var lastErr error
	for _, e := range candidates {
		g, err := p.reader(e).Read(data)
		if err != nil {
			lastErr = err
			continue
		}
		d := &detection{version: e.Version, method: DetectedInferred, graph: g}
		if !hasUnknown(g) {
			return d, nil
		}
		if fallback == nil {
			fallback = d
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	if lastErr == nil {
		lastErr = uperrors.CorruptBuffer("no schema version decodes the buffer")
	}
	return nil, lastErr
}

func hasUnknown(root *graph.Table) bool {
	found := false
	graph.Walk(root, func(t *graph.Table) bool {
		if len(t.Unknown) > 0 {
			found = true
		}
		return !found
	})
	return found
}
