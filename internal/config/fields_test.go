package config

import (
	"fmt"
	"strings"
	"testing"

	goerrors "github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func qualify(t string) (string, error) {
	if strings.Count(t, ":") == 2 {
		return t, nil
	}
	if strings.Count(t, ":") == 1 {
		return "pkg1:" + t, nil
	}
	return "", fmt.Errorf("malformed template %q", t)
}

func TestParseField(t *testing.T) {
	tests := []struct {
		name    string
		field   FieldInfo
		raw     string
		want    Value
		wantErr bool
	}{
		{"text trimmed", FieldInfo{ID: "a", FieldType: "text"}, "  hi ", Value{Kind: FieldText, Raw: "hi"}, false},
		{"long text keeps spacing", FieldInfo{ID: "a", FieldType: "long_text"}, " line1\nline2 ", Value{Kind: FieldLongText, Raw: " line1\nline2 "}, false},
		{"number", FieldInfo{ID: "a", FieldType: "number"}, "1.5", Value{Kind: FieldNumber, Raw: "1.5", Number: 1.5}, false},
		{"bad number", FieldInfo{ID: "a", FieldType: "number"}, "x", Value{}, true},
		{"integer", FieldInfo{ID: "a", FieldType: "integer"}, "42", Value{Kind: FieldInteger, Raw: "42", Integer: 42, Number: 42}, false},
		{"integer rejects decimals", FieldInfo{ID: "a", FieldType: "integer"}, "4.2", Value{}, true},
		{"party", FieldInfo{ID: "a", FieldType: "party"}, "Alice::1220", Value{Kind: FieldParty, Raw: "Alice::1220"}, false},
		{"party with space", FieldInfo{ID: "a", FieldType: "party"}, "Al ice", Value{}, true},
		{"template qualified", FieldInfo{ID: "a", FieldType: "template"}, "Main:Foo", Value{Kind: FieldTemplate, Raw: "pkg1:Main:Foo"}, false},
		{"template malformed", FieldInfo{ID: "a", FieldType: "template"}, "Foo", Value{}, true},
		{"choice", FieldInfo{ID: "a", FieldType: "choice"}, "Accept", Value{Kind: FieldChoice, Raw: "Accept"}, false},
		{"choice invalid", FieldInfo{ID: "a", FieldType: "choice"}, "Do It", Value{}, true},
		{"enum allowed", FieldInfo{ID: "a", FieldType: "enum", Options: []string{"red", "green"}}, "green", Value{Kind: FieldEnum, Raw: "green"}, false},
		{"enum not allowed", FieldInfo{ID: "a", FieldType: "enum", Options: []string{"red", "green"}}, "blue", Value{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseField(tt.field, tt.raw, qualify)
			if tt.wantErr {
				require.Error(t, err)
				var rich *goerrors.Error
				require.True(t, goerrors.As(err, &rich))
				assert.Equal(t, goerrors.CategoryBadInput, rich.Category)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildValues(t *testing.T) {
	itype := IntegrationType{
		ID: "t",
		Fields: []FieldInfo{
			{ID: "name", FieldType: "text"},
			{ID: "count", FieldType: "integer", DefaultValue: strPtr("3")},
			{ID: "note", FieldType: "text", Required: boolPtr(false)},
		},
	}

	values, err := BuildValues(itype, map[string]string{"name": "x", "extra": " y "}, qualify)
	require.NoError(t, err)

	assert.Equal(t, "x", values["name"].String())
	assert.Equal(t, int64(3), values["count"].Integer)
	_, hasNote := values["note"]
	assert.False(t, hasNote, "optional unset field should be absent")
	assert.Equal(t, "y", values["extra"].Raw)

	_, err = BuildValues(itype, map[string]string{}, qualify)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "field name")
}
