package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrMissingProjectID   = errors.New("update is missing a project id")
	ErrMalformedEnvelope  = errors.New("malformed envelope")
	ErrUnencodablePayload = errors.New("payload cannot be carried across contexts")
)

// Kind tags what an envelope describes. The set is open: new kinds need no
// change to the bus, only a consumer that understands them.
type Kind string

const (
	KindProjectUpdated Kind = "project_updated"
	KindTaskUpdated    Kind = "task_updated"
)

// Update is what a producer hands to the bus. It is an envelope minus the
// emission time, which only the bus assigns.
type Update struct {
	Kind       Kind
	ProjectID  int64
	TaskID     *int64
	Payload    map[string]any
	OriginUser string
}

// Envelope is the immutable value exchanged between contexts.
type Envelope struct {
	kind       Kind
	projectID  int64
	taskID     int64
	hasTaskID  bool
	payload    map[string]any
	originUser string
	emittedAt  int64 // epoch millis
}

func (e Envelope) Kind() Kind { return e.kind }
func (e Envelope) ProjectID() int64 { return e.projectID }
func (e Envelope) OriginUser() string { return e.originUser }

// TaskID reports the task the envelope targets. Absence means the update
// applies to the whole project.
func (e Envelope) TaskID() (int64, bool) {
	return e.taskID, e.hasTaskID
}

// Payload returns a deep copy of the changed fields.
func (e Envelope) Payload() map[string]any {
	return cloneMap(e.payload)
}

// cloneMap copies a payload in JSON value shape, nested maps and slices
// included.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return cloneMap(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	}
	return v
}

func (e Envelope) EmittedAt() time.Time {
	return time.UnixMilli(e.emittedAt)
}

func (e Envelope) EmittedAtMillis() int64 {
	return e.emittedAt
}

func (e Envelope) String() string {
	if e.hasTaskID {
		return fmt.Sprintf("%s project=%d task=%d by=%s", e.kind, e.projectID, e.taskID, e.originUser)
	}
	return fmt.Sprintf("%s project=%d by=%s", e.kind, e.projectID, e.originUser)
}

// wireEnvelope is the serialized form shared by the relay and storage paths.
type wireEnvelope struct {
	Kind       Kind           `json:"kind"`
	ProjectID  *int64         `json:"projectId"`
	TaskID     *int64         `json:"taskId,omitempty"`
	Payload    map[string]any `json:"payload"`
	OriginUser string         `json:"originUser"`
	EmittedAt  int64          `json:"emittedAt"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	w := wireEnvelope{
		Kind:       e.kind,
		ProjectID:  &e.projectID,
		Payload:    e.payload,
		OriginUser: e.originUser,
		EmittedAt:  e.emittedAt,
	}
	if w.Payload == nil {
		w.Payload = map[string]any{}
	}
	if e.hasTaskID {
		taskID := e.taskID
		w.TaskID = &taskID
	}
	return json.Marshal(w)
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if w.Kind == "" {
		return fmt.Errorf("%w: missing kind", ErrMalformedEnvelope)
	}
	if w.ProjectID == nil || *w.ProjectID == 0 {
		return fmt.Errorf("%w: missing projectId", ErrMalformedEnvelope)
	}
	*e = Envelope{
		kind:       w.Kind,
		projectID:  *w.ProjectID,
		payload:    w.Payload,
		originUser: w.OriginUser,
		emittedAt:  w.EmittedAt,
	}
	if e.payload == nil {
		e.payload = map[string]any{}
	}
	if w.TaskID != nil {
		e.taskID = *w.TaskID
		e.hasTaskID = true
	}
	return nil
}

// DecodeEnvelope rebuilds an envelope received from another context.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := e.UnmarshalJSON(data); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// normalizePayload copies the payload into its JSON value shape so that an
// envelope compares equal no matter which medium carried it.
func normalizePayload(payload map[string]any) (map[string]any, error) {
	if len(payload) == 0 {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnencodablePayload, err)
	}
	out := make(map[string]any, len(payload))
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnencodablePayload, err)
	}
	return out, nil
}

// NewEnvelope builds an envelope emitted at the given time. Contexts use a
// Stamper rather than calling this directly.
func NewEnvelope(u Update, emittedAt time.Time) (Envelope, error) {
	if u.ProjectID == 0 {
		return Envelope{}, ErrMissingProjectID
	}
	payload, err := normalizePayload(u.Payload)
	if err != nil {
		return Envelope{}, err
	}
	e := Envelope{
		kind:       u.Kind,
		projectID:  u.ProjectID,
		payload:    payload,
		originUser: u.OriginUser,
		emittedAt:  emittedAt.UnixMilli(),
	}
	if u.TaskID != nil {
		e.taskID = *u.TaskID
		e.hasTaskID = true
	}
	return e, nil
}

// Stamper builds envelopes for one context. It assigns emittedAt exactly once
// and never hands out a timestamp lower than one it already issued.
type Stamper struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func NewStamper(now func() time.Time) *Stamper {
	if now == nil {
		now = time.Now
	}
	return &Stamper{now: now}
}

func (s *Stamper) Stamp(u Update) (Envelope, error) {
	if u.ProjectID == 0 {
		return Envelope{}, ErrMissingProjectID
	}

	s.mu.Lock()
	ts := s.now().UnixMilli()
	if ts < s.last {
		ts = s.last
	}
	s.last = ts
	s.mu.Unlock()

	return NewEnvelope(u, time.UnixMilli(ts))
}

// TaskRef is a convenience for filling Update.TaskID.
func TaskRef(id int64) *int64 {
	return &id
}
