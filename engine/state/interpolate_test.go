package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func contextFixture() *Snapshot {
	snap := New(map[string]interface{}{"topic": "payments"})
	snap = snap.StoreNodeOutput("fetch", map[string]interface{}{
		"status": 200.0,
		"ok":     true,
		"user":   map[string]interface{}{"name": "ada", "tags": []interface{}{"admin", "ops"}},
		"items": []interface{}{
			map[string]interface{}{"id": "i-1", "qty": 2.0},
			map[string]interface{}{"id": "i-2", "qty": 7.0},
		},
		"note": nil,
	})
	return snap.SetVariable("attempt", 3.0)
}

func TestInterpolate(t *testing.T) {
	snap := contextFixture()

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"plain_string", "no tokens here", "no tokens here"},
		{"input_value", "topic={{topic}}", "topic=payments"},
		{"nested_path", "user: {{fetch.user.name}}", "user: ada"},
		{"array_index", "first={{fetch.items[0].id}}", "first=i-1"},
		{"deep_array_index", "tag={{fetch.user.tags[1]}}", "tag=ops"},
		{"number_renders_as_json", "status {{fetch.status}}", "status 200"},
		{"bool_renders_as_json", "ok={{fetch.ok}}", "ok=true"},
		{"object_renders_compact", "u={{fetch.user}}", `u={"name":"ada","tags":["admin","ops"]}`},
		{"null_renders_as_json", "n={{fetch.note}}", "n=null"},
		{"variable_value", "attempt {{attempt}}", "attempt 3"},
		{"missing_path_stays_literal", "keep {{fetch.nope.deep}} literal", "keep {{fetch.nope.deep}} literal"},
		{"multiple_tokens", "{{topic}}-{{fetch.items[1].qty}}", "payments-7"},
		{"whitespace_in_token", "{{ fetch.user.name }}", "ada"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, snap.Interpolate(tt.template))
		})
	}
}

func TestResolveValue_TypedSingleToken(t *testing.T) {
	snap := contextFixture()

	items, ok := snap.ResolveValue("{{fetch.items}}").([]interface{})
	assert.True(t, ok, "whole-string token should resolve to the typed value")
	assert.Len(t, items, 2)

	status := snap.ResolveValue("{{fetch.status}}")
	assert.Equal(t, 200.0, status)

	// mixed templates stay strings
	mixed := snap.ResolveValue("code {{fetch.status}}")
	assert.Equal(t, "code 200", mixed)

	// unresolvable single token stays literal
	assert.Equal(t, "{{missing}}", snap.ResolveValue("{{missing}}"))
}

func TestResolveConfig_Recurses(t *testing.T) {
	snap := contextFixture()

	cfg := map[string]interface{}{
		"url":     "https://api.example.com/{{topic}}",
		"retries": 2.0,
		"headers": map[string]interface{}{"X-User": "{{fetch.user.name}}"},
		"batch":   []interface{}{"{{fetch.items[0].id}}", "static"},
		"payload": "{{fetch.user}}",
	}

	resolved := snap.ResolveConfig(cfg)
	assert.Equal(t, "https://api.example.com/payments", resolved["url"])
	assert.Equal(t, 2.0, resolved["retries"])
	assert.Equal(t, "ada", resolved["headers"].(map[string]interface{})["X-User"])
	assert.Equal(t, "i-1", resolved["batch"].([]interface{})[0])
	assert.Equal(t, "static", resolved["batch"].([]interface{})[1])

	payload, ok := resolved["payload"].(map[string]interface{})
	assert.True(t, ok)
	assert.Equal(t, "ada", payload["name"])

	// the source config is untouched
	assert.Equal(t, "https://api.example.com/{{topic}}", cfg["url"])
}
