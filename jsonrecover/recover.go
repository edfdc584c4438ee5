// Package jsonrecover decodes stored digest bodies and generation responses
// that may have been JSON-encoded more than once, or that carry escape
// sequences doubled by an earlier encode/decode round trip.
package jsonrecover

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ISO-Serious/serious-threat-intelligence/model"
)

// ErrMalformedOuterPayload is returned when the payload is not a JSON object.
var ErrMalformedOuterPayload = errors.New("outer payload is not a JSON object")

var errNotCategoryResult = errors.New("value has no category result fields")

// maxDepth bounds how many string encode layers are peeled off one value.
const maxDepth = 3

// Diagnostic records a category whose value could not be decoded. The value
// is kept as a raw section.
type Diagnostic struct {
	Key string
	Err error
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: %v", d.Key, d.Err)
}

// Normalize collapses doubled escape sequences for newline, double quote and
// single quote, then doubled backslashes. Backslashes must go last or the
// earlier sequences would no longer match. Text without escape artifacts is
// returned unchanged.
func Normalize(s string) string {
	s = strings.ReplaceAll(s, `\\n`, `\n`)
	s = strings.ReplaceAll(s, `\\"`, `\"`)
	s = strings.ReplaceAll(s, `\\'`, `'`)
	s = strings.ReplaceAll(s, `\\`, `\`)
	return s
}

// Recover decodes a stored body. Only a payload that is not a JSON object is
// an error; every category that cannot be decoded is kept raw and reported
// as a Diagnostic.
func Recover(payload string) (model.Body, []Diagnostic, error) {
	var outer map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &outer); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedOuterPayload, err)
	}
	if outer == nil {
		return nil, nil, fmt.Errorf("%w: null", ErrMalformedOuterPayload)
	}

	body := make(model.Body, len(outer))
	var diags []Diagnostic

	for _, key := range sortedKeys(outer) {
		sec, err := decodeValue(outer[key])
		if err != nil {
			diags = append(diags, Diagnostic{Key: key, Err: err})
		}
		body[key] = sec
	}

	return body, diags, nil
}

// decodeValue always returns a section; the error says why it is raw.
func decodeValue(raw json.RawMessage) (model.Section, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return model.RawSection(string(raw)), err
		}
		r, err := decodeString(s, 0)
		if err != nil {
			return model.RawSection(Normalize(s)), err
		}
		return model.ResultSection(r), nil
	}

	// A plain object was encoded once; its text is taken as is.
	r, err := decodeResult(raw, false)
	if err != nil {
		return model.RawSection(string(raw)), err
	}
	return model.ResultSection(r), nil
}

// decodeString tries s as-is first so legitimate backslashes survive, then
// its normalized form. A value that decodes to another string is unwrapped
// again.
func decodeString(s string, depth int) (model.CategoryResult, error) {
	if depth >= maxDepth {
		return model.CategoryResult{}, errors.New("too many encode layers")
	}

	var firstErr error
	candidates := []string{s}
	if n := Normalize(s); n != s {
		candidates = append(candidates, n)
	}

	for _, c := range candidates {
		data := bytes.TrimSpace([]byte(c))
		if len(data) > 0 && data[0] == '"' {
			var inner string
			if err := json.Unmarshal(data, &inner); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			r, err := decodeString(inner, depth+1)
			if err == nil {
				return r, nil
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		r, err := decodeResult(data, true)
		if err == nil {
			return r, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}

	return model.CategoryResult{}, firstErr
}

// decodeResult decodes an object with at least one CategoryResult field.
// With normalize set, summary and task descriptions get Normalize applied
// again, for escapes doubled inside string-encoded values.
func decodeResult(data []byte, normalize bool) (model.CategoryResult, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return model.CategoryResult{}, err
	}
	_, hasTitle := fields["section_title"]
	_, hasSummary := fields["summary"]
	_, hasTasks := fields["actionable_tasks"]
	if !hasTitle && !hasSummary && !hasTasks {
		return model.CategoryResult{}, errNotCategoryResult
	}

	var r model.CategoryResult
	if err := json.Unmarshal(data, &r); err != nil {
		return model.CategoryResult{}, err
	}

	if normalize {
		r.Summary = Normalize(r.Summary)
		for i := range r.ActionableTasks {
			r.ActionableTasks[i].Description = Normalize(r.ActionableTasks[i].Description)
		}
	}
	return r, nil
}

// DecodeSection decodes a generation response into a CategoryResult.
// Markdown code fences and prose around the first JSON object are ignored.
func DecodeSection(text string) (model.CategoryResult, error) {
	s := strings.TrimSpace(text)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	if !strings.HasPrefix(s, "\"") {
		start := strings.Index(s, "{")
		end := strings.LastIndex(s, "}")
		if start < 0 || end < start {
			return model.CategoryResult{}, errors.New("no JSON object in response")
		}
		s = s[start : end+1]
	}

	return decodeString(s, 0)
}

// Encode writes a body in its storage form, a JSON object keyed by category.
func Encode(body model.Body) (string, error) {
	if body == nil {
		body = model.Body{}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode body: %w", err)
	}
	return string(raw), nil
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
