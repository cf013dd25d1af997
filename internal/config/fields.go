package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	goerrors "github.com/goliatone/go-errors"
)

// FieldKind is the closed set of configuration field types.
type FieldKind string

const (
	FieldText     FieldKind = "text"
	FieldNumber   FieldKind = "number"
	FieldInteger  FieldKind = "integer"
	FieldParty    FieldKind = "party"
	FieldTemplate FieldKind = "template"
	FieldChoice   FieldKind = "choice"
	FieldEnum     FieldKind = "enum"
	FieldLongText FieldKind = "long_text"
)

var fieldKindAliases = map[string]FieldKind{
	"":          FieldText,
	"text":      FieldText,
	"string":    FieldText,
	"number":    FieldNumber,
	"decimal":   FieldNumber,
	"integer":   FieldInteger,
	"int":       FieldInteger,
	"party":     FieldParty,
	"template":  FieldTemplate,
	"choice":    FieldChoice,
	"enum":      FieldEnum,
	"long_text": FieldLongText,
	"longtext":  FieldLongText,
	"clob":      FieldLongText,
}

// ParseFieldKind maps a declared field_type onto a FieldKind.
func ParseFieldKind(s string) (FieldKind, error) {
	k, ok := fieldKindAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("unknown field type %q", s)
	}
	return k, nil
}

// Value is one parsed configuration field.
type Value struct {
	Kind    FieldKind
	Raw     string
	Number  float64
	Integer int64
}

// String returns the normalized textual form of the value.
func (v Value) String() string {
	return v.Raw
}

// Values holds the typed configuration of an integration instance.
type Values map[string]Value

// TemplateResolver qualifies template references against the main package.
type TemplateResolver func(template string) (string, error)

// BuildValues coerces raw metadata into typed values per the field
// declarations of itype. Undeclared metadata keys are carried as text.
func BuildValues(itype IntegrationType, metadata map[string]string, resolve TemplateResolver) (Values, error) {
	out := make(Values, len(metadata))
	declared := make(map[string]bool, len(itype.Fields))

	for _, f := range itype.Fields {
		declared[f.ID] = true

		raw, ok := metadata[f.ID]
		if !ok || raw == "" {
			if f.DefaultValue != nil {
				raw, ok = *f.DefaultValue, true
			}
		}
		if !ok || strings.TrimSpace(raw) == "" {
			if f.IsRequired() {
				return nil, fieldError(f.ID, "required field is missing")
			}
			continue
		}

		v, err := ParseField(f, raw, resolve)
		if err != nil {
			return nil, err
		}
		out[f.ID] = v
	}

	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if declared[k] {
			continue
		}
		out[k] = Value{Kind: FieldText, Raw: strings.TrimSpace(metadata[k])}
	}

	return out, nil
}

// ParseField parses one raw value according to its declaration.
func ParseField(f FieldInfo, raw string, resolve TemplateResolver) (Value, error) {
	kind, err := ParseFieldKind(f.FieldType)
	if err != nil {
		return Value{}, fieldError(f.ID, err.Error())
	}

	if kind != FieldLongText {
		raw = strings.TrimSpace(raw)
	}
	v := Value{Kind: kind, Raw: raw}

	switch kind {
	case FieldText, FieldLongText:
	case FieldNumber:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Value{}, fieldError(f.ID, fmt.Sprintf("invalid number %q", raw))
		}
		v.Number = n
	case FieldInteger:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Value{}, fieldError(f.ID, fmt.Sprintf("invalid integer %q", raw))
		}
		v.Integer = n
		v.Number = float64(n)
	case FieldParty:
		if strings.IndexFunc(raw, unicode.IsSpace) >= 0 {
			return Value{}, fieldError(f.ID, fmt.Sprintf("invalid party %q", raw))
		}
	case FieldTemplate:
		if resolve == nil {
			return Value{}, fieldError(f.ID, "no template resolver available")
		}
		qualified, err := resolve(raw)
		if err != nil {
			return Value{}, fieldError(f.ID, err.Error())
		}
		v.Raw = qualified
	case FieldChoice:
		if !isIdentifier(raw) {
			return Value{}, fieldError(f.ID, fmt.Sprintf("invalid choice name %q", raw))
		}
	case FieldEnum:
		if len(f.Options) > 0 && !contains(f.Options, raw) {
			return Value{}, fieldError(f.ID, fmt.Sprintf("%q is not one of %s", raw, strings.Join(f.Options, ", ")))
		}
	}

	return v, nil
}

func fieldError(id, msg string) error {
	err := goerrors.New(fmt.Sprintf("field %s: %s", id, msg), goerrors.CategoryBadInput).
		WithTextCode("invalid_field")
	err.WithMetadata(map[string]any{"field": id})
	return err
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || unicode.IsLetter(r) || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return false
	}
	return true
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
