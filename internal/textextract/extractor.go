// Package textextract provides the built-in plain text extraction processor.
// It doubles as the reference implementation of the processor contract:
// descriptor, validation, and cache-backed incremental reprocessing.
package textextract

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"unicode"

	"docpipe/internal/cache"
	"docpipe/internal/processor"
	"docpipe/internal/registry"
	"docpipe/internal/services"
)

// Name is the processor's registry name.
const Name = "textextract"

const defaultMaxBytes = 16 << 20

// Extractor reads a document from disk, strips control characters, and
// collapses runs of whitespace. With a cache available the work runs
// unit-by-unit through the incremental layer, so a re-run after a small edit
// only re-extracts the changed blocks.
type Extractor struct {
	maxBytes    int64
	normalize   bool
	incremental *cache.IncrementalProcessor
}

// Factory returns the registry factory for the extractor. The change_threshold
// dependency, when present, tunes how large an edit forces a full re-run.
func Factory() registry.Factory {
	return registry.Factory{
		Descriptor: Describe(),
		New: func(config map[string]any, deps registry.Dependencies) (processor.Processor, error) {
			e := &Extractor{maxBytes: defaultMaxBytes, normalize: true}
			if v, ok := config["max_bytes"]; ok {
				switch n := v.(type) {
				case int64:
					e.maxBytes = n
				case int:
					e.maxBytes = int64(n)
				default:
					return nil, fmt.Errorf("max_bytes must be an integer, got %T", v)
				}
			}
			if v, ok := config["normalize"]; ok {
				b, ok := v.(bool)
				if !ok {
					return nil, fmt.Errorf("normalize must be a boolean, got %T", v)
				}
				e.normalize = b
			}
			if c, ok := registry.As[*cache.MultiLevelCache](deps, "cache"); ok {
				threshold, _ := registry.As[float64](deps, "change_threshold")
				e.incremental = cache.NewIncrementalProcessor(c, Name, threshold, 0, e.transformUnit, nil)
			}
			return e, nil
		},
	}
}

// Describe returns the extractor's static descriptor.
func Describe() processor.Descriptor {
	return processor.Descriptor{
		Name:         Name,
		Version:      "1.0.0",
		Capabilities: []string{"extract", "text"},
		Formats:      []string{"text/plain", "text/markdown", "text/html"},
		Resources:    processor.ResourceHints{IOIntensive: true},
		Limits:       processor.Limits{MaxInputBytes: defaultMaxBytes},
	}
}

// Describe implements processor.Processor.
func (e *Extractor) Describe() processor.Descriptor { return Describe() }

// ValidateInput rejects invocations the extractor cannot serve before any
// work is scheduled.
func (e *Extractor) ValidateInput(pc *processor.Context) []string {
	var problems []string
	if pc.InputPath == "" {
		problems = append(problems, "input path is required")
		return problems
	}
	info, err := os.Stat(pc.InputPath)
	switch {
	case err != nil:
		problems = append(problems, fmt.Sprintf("input not readable: %v", err))
	case info.IsDir():
		problems = append(problems, "input path is a directory")
	case e.maxBytes > 0 && info.Size() > e.maxBytes:
		problems = append(problems, fmt.Sprintf("input exceeds %d byte limit", e.maxBytes))
	}
	return problems
}

// Process extracts the document text.
func (e *Extractor) Process(ctx context.Context, pc *processor.Context) (processor.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return processor.Outcome{}, services.Wrap(services.ErrTimeout, "textextract", "process", pc.DocumentID, err)
	}

	raw, err := os.ReadFile(pc.InputPath)
	if err != nil {
		return processor.Outcome{}, services.Wrap(services.ErrExecution, "textextract", "read input", pc.InputPath, err)
	}

	var out processor.Outcome
	if e.incremental != nil {
		out, err = e.extractIncremental(ctx, pc, raw)
		if err != nil {
			return processor.Outcome{}, err
		}
	} else {
		text := raw
		if e.normalize {
			text = normalizeText(raw)
		}
		out = processor.Succeed(text)
	}

	out.Metadata["bytes_in"] = fmt.Sprintf("%d", len(raw))
	out.Metadata["bytes_out"] = fmt.Sprintf("%d", len(out.Payload))
	out.Metrics["reduction"] = 1 - float64(len(out.Payload))/float64(max(len(raw), 1))
	return out, nil
}

// extractIncremental runs the document through the change-aware path. An
// unchanged document returns the cached result; a small edit re-extracts only
// the changed units.
func (e *Extractor) extractIncremental(ctx context.Context, pc *processor.Context, raw []byte) (processor.Outcome, error) {
	doc := cache.Document{ID: pc.DocumentID, Units: splitUnits(raw)}
	if info, err := os.Stat(pc.InputPath); err == nil {
		doc.ModifiedAt = info.ModTime()
	}

	res, err := e.incremental.Process(ctx, doc)
	if err != nil {
		return processor.Outcome{}, err
	}

	out := processor.Succeed(joinOutputs(doc.Units, res.Outputs))
	out.Metadata["units"] = fmt.Sprintf("%d", len(doc.Units))
	out.Metadata["reprocessed"] = fmt.Sprintf("%d", res.Reprocessed)
	if res.FromCache {
		out.Metadata["cache"] = "hit"
	}
	return out, nil
}

func (e *Extractor) transformUnit(_ context.Context, unit cache.Unit) ([]byte, error) {
	if !e.normalize {
		return unit.Content, nil
	}
	return normalizeText(unit.Content), nil
}

// splitUnits slices the document into blank-line-delimited blocks, the
// granularity at which unchanged content is reused across runs. Ids are
// positional, so an inserted block also invalidates the blocks after it.
// Delimiters stay attached to their block; concatenating the units
// reproduces the input byte for byte.
func splitUnits(raw []byte) []cache.Unit {
	var units []cache.Unit
	for i, block := range strings.SplitAfter(string(raw), "\n\n") {
		if block == "" {
			continue
		}
		units = append(units, cache.Unit{
			ID:      fmt.Sprintf("u%04d", i),
			Content: []byte(block),
		})
	}
	return units
}

// joinOutputs reassembles per-unit artifacts in document order.
func joinOutputs(units []cache.Unit, outputs map[string][]byte) []byte {
	var b bytes.Buffer
	for _, unit := range units {
		b.Write(outputs[unit.ID])
	}
	return b.Bytes()
}

// normalizeText drops control characters and collapses whitespace runs into
// single spaces, preserving line boundaries.
func normalizeText(raw []byte) []byte {
	var b bytes.Buffer
	b.Grow(len(raw))
	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.FieldsFunc(line, func(r rune) bool {
			return unicode.IsSpace(r) || unicode.IsControl(r)
		})
		if len(fields) == 0 {
			continue
		}
		b.WriteString(strings.Join(fields, " "))
		b.WriteByte('\n')
	}
	return b.Bytes()
}
