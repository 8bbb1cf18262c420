// Package graph mirrors annotation writes onto the semstreams graph ingest
// stream so downstream consumers can follow a run without polling Nexus.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/BlueBrain/data-integration-pipelines-sub000/annotation"
	"github.com/BlueBrain/data-integration-pipelines-sub000/nexus"
	"github.com/BlueBrain/data-integration-pipelines-sub000/vocabulary/neuro"
	"github.com/c360studio/semstreams/message"
)

// GraphIngestSubject is the subject for graph ingestion.
const GraphIngestSubject = "graph.ingest.entity"

const source = "morphqc.writer"

// Publisher publishes to a JetStream subject. *natsclient.Client satisfies it.
type Publisher interface {
	PublishToStream(ctx context.Context, subject string, data []byte) error
}

// Mirror publishes one entity per annotation write.
type Mirror struct {
	pub    Publisher
	run    string
	agent  string
	logger *slog.Logger
	now    func() time.Time
}

// NewMirror creates a mirror for run. A nil publisher disables publishing.
func NewMirror(pub Publisher, run, agent string, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{pub: pub, run: run, agent: agent, logger: logger, now: time.Now}
}

// Publish mirrors a completed write.
func (m *Mirror) Publish(ctx context.Context, op annotation.Op) error {
	if m == nil || m.pub == nil {
		return nil
	}

	p, err := m.Payload(op)
	if err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal annotation entity: %w", err)
	}
	if err := m.pub.PublishToStream(ctx, GraphIngestSubject, data); err != nil {
		return fmt.Errorf("publish annotation entity: %w", err)
	}
	m.logger.Debug("Mirrored annotation", "entity", p.ID, "op", op.Kind.String())
	return nil
}

// Payload builds the triples of a write.
func (m *Mirror) Payload(op annotation.Op) (*AnnotationPayload, error) {
	doc, err := asResource(op.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", op.Of, err)
	}
	now := m.now()
	id := EntityID(op.Of, op.Cell, doc.Text("compartment"))
	if op.Of == annotation.KindBatch {
		id = EntityID(op.Of, doc.Text("name"), "")
	}

	triple := func(pred string, obj any) message.Triple {
		return message.Triple{
			Subject:    id,
			Predicate:  pred,
			Object:     obj,
			Source:     source,
			Timestamp:  now,
			Confidence: 1.0,
		}
	}

	triples := []message.Triple{
		triple(neuro.AnnotationType, op.Of),
		triple(neuro.AnnotationOperation, op.Kind.String()),
		triple(neuro.RunID, m.run),
	}
	if m.agent != "" {
		triples = append(triples, triple(neuro.RunAgent, m.agent))
	}

	switch op.Of {
	case annotation.KindCuration:
		// Curation lives on the morphology itself.
		triples = append(triples, triple(neuro.AnnotationTarget, op.ID))
		if op.Rev > 0 {
			triples = append(triples, triple(neuro.AnnotationTargetRev, op.Rev))
		}
		entries := nexus.Objects(doc["annotation"])
		if state := annotation.CurrentCuration(entries); state != "" {
			triples = append(triples, triple(neuro.AnnotationCuration, state))
		}
		for _, e := range entries {
			if note, ok := e["note"].(string); ok && note != "" {
				triples = append(triples, triple(neuro.AnnotationNote, note))
			}
		}
	default:
		if target, ok := doc["hasTarget"].(map[string]any); ok {
			if src, ok := target["hasSource"].(map[string]any); ok {
				if sid, ok := src["@id"].(string); ok {
					triples = append(triples, triple(neuro.AnnotationTarget, sid))
				}
				if rev, ok := src["_rev"].(float64); ok {
					triples = append(triples, triple(neuro.AnnotationTargetRev, int(rev)))
				}
			}
		}
		if c := doc.Text("compartment"); c != "" {
			triples = append(triples, triple(neuro.AnnotationCompartment, c))
		}
	}

	return &AnnotationPayload{ID: id, TripleData: triples, UpdatedAt: now}, nil
}

var idUnsafe = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// EntityID generates a consistent entity ID for an annotation.
// Format: morphqc.nexus.annotation.<kind>.<cell>[.<compartment>]
func EntityID(kind, cell, compartment string) string {
	id := fmt.Sprintf("morphqc.nexus.annotation.%s.%s", kind, idUnsafe.ReplaceAllString(cell, "_"))
	if compartment != "" {
		id += "." + strings.ToLower(idUnsafe.ReplaceAllString(compartment, "_"))
	}
	return id
}

func asResource(v any) (nexus.Resource, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var r nexus.Resource
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return r, nil
}
