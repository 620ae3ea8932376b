// Package evidence batches and persists the provenance graph a run
// accumulates as it passes through the pipeline (§4.7).
package evidence

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/dyocense/kernel/pkg/clock"
	"github.com/dyocense/kernel/pkg/domain"
	"github.com/dyocense/kernel/pkg/masking"
)

// Store is the persistence boundary the Writer writes through — a typed
// node/edge provenance graph, written as a single logical transaction
// per run. No concrete graph or vector store is wired behind it: the
// Evidence Store is an external collaborator outside this module's
// scope, so only the interface and a Postgres-table-backed Store exist
// here (storage.EvidenceStore).
type Store interface {
	WriteBatch(ctx context.Context, nodes []domain.EvidenceNode, edges []domain.EvidenceEdge, ref domain.EvidenceRef) error
	GetRef(ctx context.Context, runID string) (domain.EvidenceRef, bool, error)
}

const (
	maxAttempts  = 5
	backoffBase  = 250 * time.Millisecond
	backoffCap   = 4 * time.Second
	jitterFactor = 0.2
)

// Writer accumulates nodes and edges in memory for a single run and
// flushes them as one batch at run terminal, retrying transient storage
// failures with jittered backoff.
type Writer struct {
	store  Store
	clock  clock.Clock
	log    *slog.Logger
	masker *masking.Service
}

// New constructs a Writer over store. masker may be nil, in which case
// New falls back to masking.DefaultConfig() — a Writer never persists
// unredacted evidence (§4.8: adapters and the Evidence Writer must not
// embed raw tenant identifiers or PII beyond the fields §6 enumerates).
func New(store Store, c clock.Clock, log *slog.Logger, masker *masking.Service) *Writer {
	if log == nil {
		log = slog.Default()
	}
	if masker == nil {
		masker = masking.NewService(masking.DefaultConfig())
	}
	return &Writer{store: store, clock: c, log: log, masker: masker}
}

// Batch accumulates the evidence atoms for one run between pipeline
// stages. Stages append to it directly; the pipeline engine flushes it
// once the run reaches a terminal state.
type Batch struct {
	RunID string
	Nodes []domain.EvidenceNode
	Edges []domain.EvidenceEdge
}

// NewBatch starts an empty batch for runID.
func NewBatch(runID string) *Batch {
	return &Batch{RunID: runID}
}

// AddNode appends a provenance node to the batch.
func (b *Batch) AddNode(n domain.EvidenceNode) {
	n.RunID = b.RunID
	b.Nodes = append(b.Nodes, n)
}

// AddEdge appends a provenance edge to the batch.
func (b *Batch) AddEdge(e domain.EvidenceEdge) {
	e.RunID = b.RunID
	b.Edges = append(b.Edges, e)
}

// Flush writes a batch's accumulated nodes and edges plus its snapshot
// ref, retrying up to maxAttempts times with jittered exponential
// backoff on failure. Returns the final error if every attempt fails.
func (w *Writer) Flush(ctx context.Context, batch *Batch, snapshotHash string) (domain.EvidenceRef, error) {
	ref := domain.EvidenceRef{
		RunID:        batch.RunID,
		Ref:          batch.RunID + "/evidence/snapshot",
		SnapshotHash: snapshotHash,
	}

	nodes := w.redactNodes(batch.Nodes)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := w.store.WriteBatch(ctx, nodes, batch.Edges, ref)
		if err == nil {
			return ref, nil
		}
		lastErr = err
		w.log.Warn("evidence batch write failed", "run_id", batch.RunID, "attempt", attempt, "error", err)

		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return domain.EvidenceRef{}, ctx.Err()
		case <-time.After(w.backoff(attempt)):
		}
	}

	return domain.EvidenceRef{}, errors.Join(errFlushExhausted, lastErr)
}

var errFlushExhausted = errors.New("evidence batch write exhausted retries")

// redactNodes returns a copy of nodes with every free-text payload value
// passed through the masker before it ever reaches the Store (§4.8).
// Goal text, diagnosis suggestions, and explanation summaries all travel
// through EvidenceNode.Payload as plain map values rather than a single
// marshaled JSON blob, so redaction walks the map/slice/string shapes
// directly instead of round-tripping through RedactJSON.
func (w *Writer) redactNodes(nodes []domain.EvidenceNode) []domain.EvidenceNode {
	out := make([]domain.EvidenceNode, len(nodes))
	for i, n := range nodes {
		n.Payload = w.redactPayload(n.Payload)
		out[i] = n
	}
	return out
}

func (w *Writer) redactPayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = w.redactValue(v)
	}
	return out
}

func (w *Writer) redactValue(v any) any {
	switch t := v.(type) {
	case string:
		return w.masker.Redact(t)
	case []string:
		redacted := make([]string, len(t))
		for i, s := range t {
			redacted[i] = w.masker.Redact(s)
		}
		return redacted
	case map[string]any:
		return w.redactPayload(t)
	default:
		return v
	}
}

// backoff computes jittered exponential backoff for attempt, mirroring
// the poll-interval jitter shape used for worker polling, generalized
// from a fixed interval to exponential growth capped at backoffCap.
func (w *Writer) backoff(attempt int) time.Duration {
	d := backoffBase * time.Duration(1<<uint(attempt-1))
	if d > backoffCap {
		d = backoffCap
	}
	jitter := time.Duration(float64(d) * jitterFactor)
	offset := time.Duration(rand.Int64N(int64(2*jitter + 1)))
	return d - jitter + offset
}

// GetRef returns the evidence ref already written for a run, if any.
func (w *Writer) GetRef(ctx context.Context, runID string) (domain.EvidenceRef, bool, error) {
	return w.store.GetRef(ctx, runID)
}
