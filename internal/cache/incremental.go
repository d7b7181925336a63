package cache

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"docpipe/internal/logging"
	"docpipe/internal/services"
)

// Unit is one independently processable slice of a document, typically a
// page.
type Unit struct {
	ID      string
	Content []byte
}

// Document is the incremental processor's input: raw units plus identity.
type Document struct {
	ID         string
	ModifiedAt time.Time
	Units      []Unit
}

// ChangeRecord captures what a document looked like on its last run.
type ChangeRecord struct {
	DocumentID  string            `msgpack:"document_id"`
	ContentHash string            `msgpack:"content_hash"`
	ModifiedAt  time.Time         `msgpack:"modified_at"`
	UnitHashes  map[string]string `msgpack:"unit_hashes"`
	ResultKey   string            `msgpack:"result_key"`
}

// UnitFunc processes one unit and returns its artifact.
type UnitFunc func(ctx context.Context, unit Unit) ([]byte, error)

// IncrementalResult reports what was computed versus reused.
type IncrementalResult struct {
	Outputs      map[string][]byte `msgpack:"outputs"`
	ChangedUnits []string          `msgpack:"changed_units"`
	Reprocessed  int               `msgpack:"reprocessed"`
	FromCache    bool              `msgpack:"from_cache"`
	FullRun      bool              `msgpack:"full_run"`
}

// IncrementalProcessor reprocesses only the changed portion of a document
// when the changed-unit fraction stays below the configured threshold. An
// unchanged document returns the prior cached result verbatim.
type IncrementalProcessor struct {
	cache     *MultiLevelCache
	operation string
	threshold float64
	ttl       time.Duration
	process   UnitFunc
	logger    *slog.Logger
}

// NewIncrementalProcessor wires the ratio-driven reprocessing policy around a
// unit function. Threshold is the changed-unit fraction above which the
// whole document is reprocessed.
func NewIncrementalProcessor(c *MultiLevelCache, operation string, threshold float64, ttl time.Duration, process UnitFunc, logger *slog.Logger) *IncrementalProcessor {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.3
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &IncrementalProcessor{
		cache:     c,
		operation: operation,
		threshold: threshold,
		ttl:       ttl,
		process:   process,
		logger:    logger.With(logging.String(logging.FieldComponent, "incremental")),
	}
}

// Process runs the document through the incremental policy.
func (ip *IncrementalProcessor) Process(ctx context.Context, doc Document) (*IncrementalResult, error) {
	unitHashes := make(map[string]string, len(doc.Units))
	for _, unit := range doc.Units {
		unitHashes[unit.ID] = HashBytes(unit.Content)
	}
	docHash := documentHash(unitHashes)
	resultKey := Key(docHash, ip.operation)

	record, hasRecord := ip.loadRecord(ctx, doc.ID)

	if hasRecord && record.ContentHash == docHash {
		if prior, ok := ip.loadResult(ctx, resultKey); ok {
			ip.logger.Debug("document unchanged, returning cached result",
				logging.String(logging.FieldDocumentID, doc.ID))
			return &IncrementalResult{Outputs: prior, FromCache: true}, nil
		}
	}

	changed := changedUnits(doc.Units, unitHashes, record, hasRecord)

	var prior map[string][]byte
	partial := false
	if hasRecord && len(doc.Units) > 0 {
		ratio := float64(len(changed)) / float64(len(doc.Units))
		if ratio < ip.threshold {
			if p, ok := ip.loadResult(ctx, record.ResultKey); ok {
				prior = p
				partial = true
			}
		}
	}

	outputs := make(map[string][]byte, len(doc.Units))
	reprocessed := 0
	changedSet := make(map[string]struct{}, len(changed))
	for _, id := range changed {
		changedSet[id] = struct{}{}
	}

	for _, unit := range doc.Units {
		_, isChanged := changedSet[unit.ID]
		if partial && !isChanged {
			if priorOut, ok := prior[unit.ID]; ok {
				outputs[unit.ID] = priorOut
				continue
			}
			// Prior result is missing this unit; fall through and compute.
		}
		out, err := ip.process(ctx, unit)
		if err != nil {
			return nil, services.Wrap(services.ErrExecution, "incremental", "process unit", unit.ID, err)
		}
		outputs[unit.ID] = out
		reprocessed++
	}

	if err := ip.storeResult(ctx, resultKey, outputs); err != nil {
		ip.logger.Warn("failed to cache incremental result", logging.Error(err))
	}
	ip.saveRecord(ctx, ChangeRecord{
		DocumentID:  doc.ID,
		ContentHash: docHash,
		ModifiedAt:  doc.ModifiedAt,
		UnitHashes:  unitHashes,
		ResultKey:   resultKey,
	})

	result := &IncrementalResult{
		Outputs:      outputs,
		ChangedUnits: changed,
		Reprocessed:  reprocessed,
		FullRun:      !partial,
	}
	ip.logger.Info("incremental processing finished",
		logging.String(logging.FieldDocumentID, doc.ID),
		logging.Int("units", len(doc.Units)),
		logging.Int("reprocessed", reprocessed),
		logging.Bool("partial", partial))
	return result, nil
}

// changedUnits lists units that are new or whose hash differs from the prior
// run, in document order.
func changedUnits(units []Unit, hashes map[string]string, record ChangeRecord, hasRecord bool) []string {
	var changed []string
	for _, unit := range units {
		if !hasRecord {
			changed = append(changed, unit.ID)
			continue
		}
		priorHash, seen := record.UnitHashes[unit.ID]
		if !seen || priorHash != hashes[unit.ID] {
			changed = append(changed, unit.ID)
		}
	}
	return changed
}

// documentHash derives the whole-document hash from the sorted unit hashes
// so unit ordering in memory does not affect identity.
func documentHash(unitHashes map[string]string) string {
	ids := make([]string, 0, len(unitHashes))
	for id := range unitHashes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var combined []byte
	for _, id := range ids {
		combined = append(combined, id...)
		combined = append(combined, unitHashes[id]...)
	}
	return HashBytes(combined)
}

func recordKey(documentID string) string {
	return "change-record|" + documentID
}

func (ip *IncrementalProcessor) loadRecord(ctx context.Context, documentID string) (ChangeRecord, bool) {
	raw, ok := ip.cache.Get(ctx, recordKey(documentID))
	if !ok {
		return ChangeRecord{}, false
	}
	var record ChangeRecord
	if err := msgpack.Unmarshal(raw, &record); err != nil {
		ip.logger.Warn("corrupt change record dropped",
			logging.String(logging.FieldDocumentID, documentID),
			logging.Error(err))
		return ChangeRecord{}, false
	}
	return record, true
}

func (ip *IncrementalProcessor) saveRecord(ctx context.Context, record ChangeRecord) {
	encoded, err := msgpack.Marshal(&record)
	if err != nil {
		ip.logger.Warn("failed to encode change record", logging.Error(err))
		return
	}
	if err := ip.cache.Set(ctx, recordKey(record.DocumentID), encoded, ip.ttl); err != nil {
		ip.logger.Warn("failed to persist change record", logging.Error(err))
	}
}

func (ip *IncrementalProcessor) loadResult(ctx context.Context, key string) (map[string][]byte, bool) {
	if key == "" {
		return nil, false
	}
	raw, ok := ip.cache.Get(ctx, key)
	if !ok {
		return nil, false
	}
	var outputs map[string][]byte
	if err := msgpack.Unmarshal(raw, &outputs); err != nil {
		return nil, false
	}
	return outputs, true
}

func (ip *IncrementalProcessor) storeResult(ctx context.Context, key string, outputs map[string][]byte) error {
	encoded, err := msgpack.Marshal(outputs)
	if err != nil {
		return services.Wrap(services.ErrExecution, "incremental", "encode result", key, err)
	}
	return ip.cache.Set(ctx, key, encoded, ip.ttl)
}
