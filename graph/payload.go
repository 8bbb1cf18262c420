package graph

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/message"
)

func init() {
	err := component.RegisterPayload(&component.PayloadRegistration{
		Domain:      "neuro",
		Category:    "annotation",
		Version:     "v1",
		Description: "Morphology annotation mirrored as triples",
		Factory:     func() any { return &AnnotationPayload{} },
	})
	if err != nil {
		panic("failed to register AnnotationPayload: " + err.Error())
	}
}

// AnnotationType is the message type of mirrored annotations.
var AnnotationType = message.Type{Domain: "neuro", Category: "annotation", Version: "v1"}

// AnnotationPayload implements message.Payload for a mirrored annotation.
type AnnotationPayload struct {
	ID         string           `json:"id"`
	TripleData []message.Triple `json:"triples"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

func (p *AnnotationPayload) EntityID() string          { return p.ID }
func (p *AnnotationPayload) Triples() []message.Triple { return p.TripleData }
func (p *AnnotationPayload) Schema() message.Type      { return AnnotationType }

func (p *AnnotationPayload) Validate() error {
	if p.ID == "" {
		return errors.New("entity ID is required")
	}
	if len(p.TripleData) == 0 {
		return errors.New("at least one triple is required")
	}
	return nil
}

func (p *AnnotationPayload) MarshalJSON() ([]byte, error) {
	type Alias AnnotationPayload
	return json.Marshal((*Alias)(p))
}

func (p *AnnotationPayload) UnmarshalJSON(data []byte) error {
	type Alias AnnotationPayload
	return json.Unmarshal(data, (*Alias)(p))
}
