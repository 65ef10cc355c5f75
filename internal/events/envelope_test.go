package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(ts ...time.Time) func() time.Time {
	i := 0
	return func() time.Time {
		t := ts[i]
		if i < len(ts)-1 {
			i++
		}
		return t
	}
}

func TestStamper_StampsEmittedAt(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_123)
	s := NewStamper(fixedClock(now))

	env, err := s.Stamp(Update{
		Kind:       KindTaskUpdated,
		ProjectID:  1,
		TaskID:     TaskRef(2),
		Payload:    map[string]any{"status": "Done"},
		OriginUser: "a@x.com",
	})
	require.NoError(t, err)

	assert.Equal(t, KindTaskUpdated, env.Kind())
	assert.Equal(t, int64(1), env.ProjectID())
	taskID, ok := env.TaskID()
	assert.True(t, ok)
	assert.Equal(t, int64(2), taskID)
	assert.Equal(t, map[string]any{"status": "Done"}, env.Payload())
	assert.Equal(t, "a@x.com", env.OriginUser())
	assert.Equal(t, now.UnixMilli(), env.EmittedAtMillis())
	assert.True(t, env.EmittedAt().Equal(now))
}

func TestStamper_RequiresProjectID(t *testing.T) {
	s := NewStamper(nil)
	_, err := s.Stamp(Update{Kind: KindProjectUpdated, Payload: map[string]any{"progress": 10}})
	require.ErrorIs(t, err, ErrMissingProjectID)
}

func TestStamper_NeverGoesBackwards(t *testing.T) {
	t0 := time.UnixMilli(5_000)
	s := NewStamper(fixedClock(t0, t0.Add(-2*time.Second), t0.Add(time.Second)))

	first, err := s.Stamp(Update{Kind: KindProjectUpdated, ProjectID: 1})
	require.NoError(t, err)
	second, err := s.Stamp(Update{Kind: KindProjectUpdated, ProjectID: 1})
	require.NoError(t, err)
	third, err := s.Stamp(Update{Kind: KindProjectUpdated, ProjectID: 1})
	require.NoError(t, err)

	assert.Equal(t, first.EmittedAtMillis(), second.EmittedAtMillis())
	assert.Greater(t, third.EmittedAtMillis(), second.EmittedAtMillis())
}

func TestEnvelope_PayloadIsCopied(t *testing.T) {
	s := NewStamper(nil)
	payload := map[string]any{"progress": 80}
	env, err := s.Stamp(Update{Kind: KindProjectUpdated, ProjectID: 3, Payload: payload})
	require.NoError(t, err)

	payload["progress"] = 1
	got := env.Payload()
	got["progress"] = 2

	assert.Equal(t, map[string]any{"progress": float64(80)}, env.Payload())
}

func TestEnvelope_NestedPayloadIsCopied(t *testing.T) {
	s := NewStamper(nil)
	env, err := s.Stamp(Update{
		Kind:      KindProjectUpdated,
		ProjectID: 3,
		Payload: map[string]any{
			"meta":   map[string]any{"owner": "a"},
			"labels": []any{"x", map[string]any{"k": "v"}},
		},
	})
	require.NoError(t, err)

	reg := NewRegistry(Config{})
	var seen []map[string]any
	reg.Subscribe(SubscriberFunc(func(_ context.Context, e Envelope) {
		p := e.Payload()
		p["meta"].(map[string]any)["owner"] = "mutated"
		p["labels"].([]any)[0] = "mutated"
		p["labels"].([]any)[1].(map[string]any)["k"] = "mutated"
	}))
	reg.Subscribe(SubscriberFunc(func(_ context.Context, e Envelope) {
		seen = append(seen, e.Payload())
	}))
	reg.Notify(context.Background(), env)

	want := map[string]any{
		"meta":   map[string]any{"owner": "a"},
		"labels": []any{"x", map[string]any{"k": "v"}},
	}
	assert.Equal(t, want, env.Payload())
	require.Len(t, seen, 1)
	assert.Equal(t, want, seen[0])
}

func TestEnvelope_UnencodablePayload(t *testing.T) {
	s := NewStamper(nil)
	_, err := s.Stamp(Update{Kind: KindProjectUpdated, ProjectID: 3, Payload: map[string]any{"ch": make(chan int)}})
	require.ErrorIs(t, err, ErrUnencodablePayload)
}

func TestEnvelope_WireForm(t *testing.T) {
	s := NewStamper(fixedClock(time.UnixMilli(42)))
	env, err := s.Stamp(Update{
		Kind:       KindTaskUpdated,
		ProjectID:  1,
		TaskID:     TaskRef(2),
		Payload:    map[string]any{"status": "Done"},
		OriginUser: "a@x.com",
	})
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"task_updated","projectId":1,"taskId":2,"payload":{"status":"Done"},"originUser":"a@x.com","emittedAt":42}`, string(raw))

	decoded, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, env, decoded)
}

func TestEnvelope_ProjectUpdateHasNoTaskID(t *testing.T) {
	s := NewStamper(fixedClock(time.UnixMilli(42)))
	env, err := s.Stamp(Update{Kind: KindProjectUpdated, ProjectID: 4, Payload: map[string]any{"progress": 55}, OriginUser: "pm@x.com"})
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "taskId")

	decoded, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	_, ok := decoded.TaskID()
	assert.False(t, ok)
	assert.Equal(t, env, decoded)
}

func TestDecodeEnvelope_Malformed(t *testing.T) {
	cases := map[string]string{
		"not json":        `{"kind":`,
		"missing kind":    `{"projectId":1,"payload":{}}`,
		"missing project": `{"kind":"task_updated","payload":{}}`,
		"wrong type":      `{"kind":"task_updated","projectId":"one"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(raw))
			require.ErrorIs(t, err, ErrMalformedEnvelope)
		})
	}
}
