package domain

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	p := Position{ID: "a", Lat: 18.5, Lng: -72.3}

	first, err := NewEvent("presence", TypeConnection, p, map[string]any{"cf": EdgeContext{Country: "HT"}, "id": "hijack"})
	require.NoError(t, err)
	second, err := NewEvent("presence", TypeConnection, p, nil)
	require.NoError(t, err)

	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, SpecVersion, first.SpecVersion)
	assert.Equal(t, ContentTypeJSON, first.DataContentType)
	assert.False(t, first.Time.IsZero())
	assert.NotContains(t, first.Extensions, "id")
	assert.Contains(t, first.Extensions, "cf")
}

func TestEnvelope_JSONFlattensExtensions(t *testing.T) {
	env, err := NewEvent("presence", TypeConnection, Position{ID: "a", Lat: 1, Lng: 2}, map[string]any{"cf": map[string]string{"country": "HT"}})
	require.NoError(t, err)

	b, err := json.Marshal(env)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(b, &flat))
	assert.Equal(t, env.ID, flat["id"])
	assert.Equal(t, "connection", flat["type"])
	assert.Equal(t, "presence", flat["source"])
	assert.Equal(t, map[string]any{"country": "HT"}, flat["cf"])
	assert.Equal(t, env.Time.Format(time.RFC3339Nano), flat["time"])

	var back Envelope
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, env.ID, back.ID)
	assert.True(t, env.Time.Equal(back.Time))
	assert.JSONEq(t, string(env.Data), string(back.Data))
	assert.Contains(t, back.Extensions, "cf")
}

func TestEnvelope_Validate(t *testing.T) {
	cases := map[string]struct {
		body    string
		missing string
	}{
		"empty object": {
			body:    `{}`,
			missing: "data, source, type",
		},
		"null data": {
			body:    `{"source":"s","type":"t","data":null}`,
			missing: "data",
		},
		"blank type": {
			body:    `{"source":"s","type":"  ","data":{}}`,
			missing: "type",
		},
		"ok": {
			body: `{"source":"s","type":"t","data":{"a":1}}`,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			var env Envelope
			require.NoError(t, json.Unmarshal([]byte(tc.body), &env))

			err := env.Validate()
			if tc.missing == "" {
				require.NoError(t, err)
				return
			}
			require.True(t, errors.Is(err, ErrMissingFields))
			assert.Contains(t, err.Error(), tc.missing)
		})
	}
}

func TestEnvelope_UnmarshalRejectsGarbage(t *testing.T) {
	var env Envelope
	require.Error(t, json.Unmarshal([]byte(`[1,2]`), &env))
	require.Error(t, json.Unmarshal([]byte(`null`), &env))
	require.Error(t, json.Unmarshal([]byte(`{"type":"t","time":"yesterday"}`), &env))
	require.Error(t, json.Unmarshal([]byte(`{"type":5}`), &env))
}

func TestEnvelope_EnrichWith(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	env := Envelope{Source: "cron", Type: "tick", Data: json.RawMessage(`{}`)}

	env.EnrichWith(EdgeContext{IP: "10.0.0.1", Country: "HT"}, now)

	assert.NotEmpty(t, env.ID)
	assert.Equal(t, now, env.Time)
	assert.Equal(t, SpecVersion, env.SpecVersion)
	assert.Equal(t, EdgeContext{IP: "10.0.0.1", Country: "HT"}, env.Extensions[ExtensionEdge])

	kept := Envelope{ID: "given", Time: now.Add(-time.Hour)}
	kept.EnrichWith(EdgeContext{}, now)
	assert.Equal(t, "given", kept.ID)
	assert.Equal(t, now.Add(-time.Hour), kept.Time)
	assert.Nil(t, kept.Extensions)
}

func TestPositionFromHints(t *testing.T) {
	sig := "fp-1"
	p := PositionFromHints("a", Hints{Latitude: "18.5", Longitude: "-72.3", Signature: &sig})
	assert.True(t, p.Located())
	assert.Equal(t, 18.5, p.Lat)
	assert.Equal(t, -72.3, p.Lng)
	assert.Equal(t, &sig, p.Signature)

	for _, h := range []Hints{
		{},
		{Latitude: "abc", Longitude: "1"},
		{Latitude: "91", Longitude: "1"},
		{Latitude: "1", Longitude: "NaN"},
		{Latitude: "1", Longitude: "Inf"},
	} {
		p := PositionFromHints("x", h)
		assert.False(t, p.Located(), "%+v", h)
	}
}

func TestPosition_JSONWithoutCoordinates(t *testing.T) {
	p := PositionFromHints("a", Hints{})

	b, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"a","lat":null,"lng":null,"signature":null}`, string(b))

	var back Position
	require.NoError(t, json.Unmarshal(b, &back))
	assert.True(t, math.IsNaN(back.Lat))
	assert.False(t, back.Located())
}

func TestMarkerMessages(t *testing.T) {
	add, err := AddMarkerMessage(Position{ID: "b", Lat: 1, Lng: 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"add-marker","position":{"id":"b","lat":1,"lng":2,"signature":null}}`, string(add))

	remove, err := RemoveMarkerMessage("b")
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"remove-marker","id":"b"}`, string(remove))
}
