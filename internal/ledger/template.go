package ledger

import (
	"fmt"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

// AnyTemplate selects every template.
const AnyTemplate = "*"

// ResolveTemplate qualifies a template selector with a package ID.
//
// Accepted forms:
//
//	"*"                  every template
//	pkg:Module:Entity    already qualified, returned unchanged
//	Module:Entity        qualified with mainPackageID
//	Module.Entity        legacy dotted form, qualified with mainPackageID
func ResolveTemplate(mainPackageID, template string) (string, error) {
	template = strings.TrimSpace(template)
	if template == "" {
		return "", templateError(template, "empty template selector")
	}
	if template == AnyTemplate {
		return template, nil
	}

	parts := strings.Split(template, ":")
	for _, p := range parts {
		if p == "" {
			return "", templateError(template, "malformed template selector")
		}
	}

	var unqualified string
	switch len(parts) {
	case 3:
		if parts[0] != AnyTemplate {
			return template, nil
		}
		unqualified = parts[1] + ":" + parts[2]
	case 2:
		unqualified = template
	case 1:
		idx := strings.LastIndex(template, ".")
		if idx <= 0 || idx == len(template)-1 {
			return "", templateError(template, "malformed template selector")
		}
		unqualified = template[:idx] + ":" + template[idx+1:]
	default:
		return "", templateError(template, "malformed template selector")
	}

	if mainPackageID == "" {
		return "", templateError(template, "no default model known when ensuring package ID")
	}
	return mainPackageID + ":" + unqualified, nil
}

// TemplateMatches reports whether a resolved selector covers templateID.
func TemplateMatches(selector, templateID string) bool {
	return selector == AnyTemplate || selector == templateID
}

func templateError(template, msg string) error {
	return goerrors.New(fmt.Sprintf("%s: %q", msg, template), goerrors.CategoryBadInput).
		WithTextCode("invalid_template")
}

// Match narrows a subscription to contracts whose payload fields equal the
// given values. A nil Match matches everything.
type Match map[string]any

// Matches compares top-level payload fields.
func (m Match) Matches(payload map[string]any) bool {
	for k, want := range m {
		got, ok := payload[k]
		if !ok {
			return false
		}
		// Compare rendered values so 1 and 1.0 decoded from JSON are equal.
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}
