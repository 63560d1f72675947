package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDottedPathMapping(t *testing.T) {
	e := New()
	source := map[string]any{
		"user": map[string]any{"name": "ada"},
	}
	mappings := []Mapping{
		{SourcePath: "user.name", TargetPath: "profile.displayName", Transform: "toUpperCase", Required: true},
	}

	out, err := e.Apply(mappings, source)
	require.NoError(t, err)
	profile := out["profile"].(map[string]any)
	assert.Equal(t, "ADA", profile["displayName"])
}

func TestApplyMissingRequiredFieldFails(t *testing.T) {
	e := New()
	mappings := []Mapping{{SourcePath: "missing.field", TargetPath: "out", Required: true}}
	_, err := e.Apply(mappings, map[string]any{})
	assert.Error(t, err)
}

func TestApplyUsesDefaultWhenSourceMissing(t *testing.T) {
	e := New()
	mappings := []Mapping{{SourcePath: "missing.field", TargetPath: "out", Default: "fallback"}}
	out, err := e.Apply(mappings, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "fallback", out["out"])
}

func TestReverseSwapsSourceAndTargetPaths(t *testing.T) {
	mappings := []Mapping{{SourcePath: "a.b", TargetPath: "c.d"}}
	rev := Reverse(mappings)
	require.Len(t, rev, 1)
	assert.Equal(t, "c.d", rev[0].SourcePath)
	assert.Equal(t, "a.b", rev[0].TargetPath)
}

func TestValidationEnumRejectsDisallowedValue(t *testing.T) {
	e := New()
	mappings := []Mapping{{
		SourcePath: "status",
		TargetPath: "status",
		Validation: &Validation{Allowed: []string{"open", "closed"}},
	}}
	_, err := e.Apply(mappings, map[string]any{"status": "unknown"})
	assert.Error(t, err)
}

func TestValidationNumberBoundsRejectsOutOfRange(t *testing.T) {
	e := New()
	mappings := []Mapping{{
		SourcePath: "age",
		TargetPath: "age",
		Validation: &Validation{Min: 0, Max: 120},
	}}
	_, err := e.Apply(mappings, map[string]any{"age": 200.0})
	assert.Error(t, err)
}

func TestArrayToStringTransform(t *testing.T) {
	e := New()
	mappings := []Mapping{{SourcePath: "tags", TargetPath: "tagCSV", Transform: "arrayToString"}}
	out, err := e.Apply(mappings, map[string]any{"tags": []any{"a", "b", "c"}})
	require.NoError(t, err)
	assert.Equal(t, "a,b,c", out["tagCSV"])
}

func TestUnknownTransformNameErrors(t *testing.T) {
	e := New()
	mappings := []Mapping{{SourcePath: "x", TargetPath: "y", Transform: "doesNotExist"}}
	_, err := e.Apply(mappings, map[string]any{"x": "v"})
	assert.Error(t, err)
}
