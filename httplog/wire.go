package httplog

import (
	"github.com/romshark/procflow"
	"github.com/romshark/procflow/db"
)

// Info describes the served log.
type Info struct {
	Application string `json:"application,omitempty"`
	PipelineID  int64  `json:"pipeline_id"`
	SectionSize int64  `json:"section_size"`
}

// Section is the wire shape of procflow.Section.
type Section struct {
	SectionID  string         `json:"section_id"`
	Items      []Notification `json:"items"`
	PreviousID *string        `json:"previous_id"`
	NextID     *string        `json:"next_id"`
}

// Notification is the wire shape of db.Notification.
// State and CausalDependencies are opaque and base64 encoded.
type Notification struct {
	ID                 *int64 `json:"id"`
	OriginatorID       string `json:"originator_id"`
	OriginatorVersion  int64  `json:"originator_version"`
	Topic              string `json:"topic"`
	State              []byte `json:"state"`
	CausalDependencies []byte `json:"causal_dependencies"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func encodeSection(s procflow.Section) Section {
	w := Section{
		SectionID:  s.ID,
		Items:      make([]Notification, len(s.Items)),
		PreviousID: optional(s.PreviousID),
		NextID:     optional(s.NextID),
	}
	for i, n := range s.Items {
		w.Items[i] = Notification{
			OriginatorID:       n.OriginatorID,
			OriginatorVersion:  n.OriginatorVersion,
			Topic:              n.Topic,
			State:              n.State,
			CausalDependencies: n.CausalDependencies,
		}
		if n.ID != 0 {
			id := n.ID
			w.Items[i].ID = &id
		}
	}
	return w
}

func decodeSection(w Section) procflow.Section {
	s := procflow.Section{
		ID:         w.SectionID,
		PreviousID: deref(w.PreviousID),
		NextID:     deref(w.NextID),
	}
	if len(w.Items) > 0 {
		s.Items = make([]db.Notification, len(w.Items))
	}
	for i, n := range w.Items {
		s.Items[i] = db.Notification{
			OriginatorID:       n.OriginatorID,
			OriginatorVersion:  n.OriginatorVersion,
			Topic:              n.Topic,
			State:              n.State,
			CausalDependencies: n.CausalDependencies,
		}
		if n.ID != nil {
			s.Items[i].ID = *n.ID
		}
	}
	return s
}
