package affordance

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInterpreter_NavigateMergesQuery(t *testing.T) {
	in := NewInterpreter(nil)
	params := url.Values{}
	params.Set("view", "graph")
	params.Set("depth", "1")

	changed := in.Apply(params, &Result{
		Type: ResultNavigate,
		Query: map[string]any{
			"node":    "repository:api",
			"depth":   float64(3),
			"filters": map[string]any{"language": "go"},
			"tags":    []any{"core", "hot"},
			"pinned":  true,
		},
	})
	assert.True(t, changed)
	assert.Equal(t, "graph", params.Get("view"), "unrelated params survive the merge")
	assert.Equal(t, "repository:api", params.Get("node"))
	assert.Equal(t, "3", params.Get("depth"))
	assert.Equal(t, `{"language":"go"}`, params.Get("filters"))
	assert.Equal(t, `["core","hot"]`, params.Get("tags"))
	assert.Equal(t, "true", params.Get("pinned"))
}

func TestInterpreter_NotificationsLeaveParamsAlone(t *testing.T) {
	in := NewInterpreter(nil)

	for _, typ := range []string{ResultCreated, ResultTriggered, ResultData} {
		params := url.Values{"view": {"graph"}}
		changed := in.Apply(params, &Result{
			Type:    typ,
			Message: "done",
			Query:   map[string]any{"node": "task:42"},
		})
		assert.False(t, changed, typ)
		assert.Equal(t, url.Values{"view": {"graph"}}, params, typ)
	}
}

func TestInterpreter_UnknownTypeLoggedAndIgnored(t *testing.T) {
	var buf bytes.Buffer
	in := NewInterpreter(slog.New(slog.NewTextHandler(&buf, nil)))

	params := url.Values{"view": {"graph"}}
	changed := in.Apply(params, &Result{
		Type:  "highlighted",
		Query: map[string]any{"node": "repository:api"},
	})
	assert.False(t, changed)
	assert.Equal(t, url.Values{"view": {"graph"}}, params)
	assert.Contains(t, buf.String(), "unrecognized result type")
	assert.Contains(t, buf.String(), "highlighted")
}

func TestInterpreter_NilResult(t *testing.T) {
	in := NewInterpreter(nil)
	assert.False(t, in.Apply(url.Values{}, nil))
}

func TestMergeQuery_Stringification(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  string
	}{
		{"string", "alpha", "alpha"},
		{"bool", false, "false"},
		{"whole float", float64(12), "12"},
		{"fractional float", 3.5, "3.5"},
		{"int", 7, "7"},
		{"int64", int64(9000000000), "9000000000"},
		{"json number", json.Number("12.250"), "12.250"},
		{"nil", nil, ""},
		{"object", map[string]any{"a": float64(1)}, `{"a":1}`},
		{"array", []any{float64(1), "two"}, `[1,"two"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := url.Values{}
			MergeQuery(params, map[string]any{"key": tt.value})
			assert.Equal(t, tt.want, params.Get("key"))
		})
	}
}

func TestMergeQuery_ReportsChange(t *testing.T) {
	params := url.Values{}
	params.Set("node", "repository:api")

	assert.False(t, MergeQuery(params, map[string]any{"node": "repository:api"}))
	assert.True(t, MergeQuery(params, map[string]any{"node": "repository:worker"}))
	assert.Equal(t, "repository:worker", params.Get("node"))
}
