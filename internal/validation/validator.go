// Package validation gates form submission and coerces submitted values into
// the payload handed to the execution transport.
package validation

import (
	"encoding/json"
	"maps"
	"reflect"
	"strconv"
	"strings"

	"github.com/rendis/steprun/pkg/schema"
)

// Validator checks and coerces form values. Safe for concurrent use.
type Validator struct {
	schemas *SchemaChecker
}

// New creates a Validator.
func New() *Validator {
	return &Validator{schemas: NewSchemaChecker()}
}

// Validate checks every field across all forms and returns the first
// failure. resolved holds values already known from references; a required
// field present there is satisfied.
func (v *Validator) Validate(forms []schema.FormGroup, resolved []map[string]any) error {
	known := flatten(resolved)
	for _, group := range forms {
		for _, field := range group.Inputs {
			if err := v.checkField(field, group.Values[field.Variable], known); err != nil {
				return err
			}
		}
	}
	return nil
}

func (v *Validator) checkField(field schema.InputField, value any, known map[string]any) error {
	if field.Type != schema.FieldCheckbox && field.Required && IsEmpty(field.Type, value) {
		if _, ok := known[field.Variable]; !ok {
			return schema.NewErrorf(schema.ErrCodeRequiredField, "%s is required", field.DisplayName()).
				WithField(field.Variable)
		}
	}
	if field.Type.IsFile() && !IsEmpty(field.Type, value) {
		for _, f := range normalizeFiles(value) {
			if f.Uploading() {
				return schema.NewErrorf(schema.ErrCodeUploadInProgress,
					"%s: file upload is still in progress", field.DisplayName()).
					WithField(field.Variable)
			}
		}
	}
	return nil
}

// Coerce converts each submitted value to its field type and returns the flat
// payload: resolved values first, then coerced user values. Call it only
// after Validate succeeds.
func (v *Validator) Coerce(forms []schema.FormGroup, resolved []map[string]any) (map[string]any, error) {
	out := flatten(resolved)
	for _, group := range forms {
		for _, field := range group.Inputs {
			raw, present := group.Values[field.Variable]
			if !present && field.Type != schema.FieldCheckbox {
				continue
			}
			coerced, err := v.coerceField(field, raw)
			if err != nil {
				return nil, err
			}
			out[field.Variable] = coerced
		}
	}
	return out, nil
}

// Prepare validates then coerces.
func (v *Validator) Prepare(forms []schema.FormGroup, resolved []map[string]any) (map[string]any, error) {
	if err := v.Validate(forms, resolved); err != nil {
		return nil, err
	}
	return v.Coerce(forms, resolved)
}

func (v *Validator) coerceField(field schema.InputField, raw any) (any, error) {
	switch field.Type {
	case schema.FieldCheckbox:
		return CoerceBool(raw), nil
	case schema.FieldNumber:
		if IsEmpty(field.Type, raw) {
			return nil, nil
		}
		n, ok := coerceNumber(raw)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s must be a number", field.DisplayName()).
				WithField(field.Variable)
		}
		return n, nil
	case schema.FieldJSON:
		if IsEmpty(field.Type, raw) {
			return nil, nil
		}
		parsed, err := parseJSON(raw)
		if err != nil {
			return nil, invalidJSON(field, err)
		}
		if err := v.schemas.Check(parsed, field.Schema); err != nil {
			if se, ok := err.(*schema.StepError); ok {
				se.Message = field.DisplayName() + ": " + se.Message
				return nil, se.WithField(field.Variable)
			}
			return nil, err
		}
		return parsed, nil
	case schema.FieldSingleFile:
		files := normalizeFiles(raw)
		if len(files) == 0 {
			return nil, nil
		}
		return files[0], nil
	case schema.FieldMultiFiles, schema.FieldFiles:
		return normalizeFiles(raw), nil
	case schema.FieldContextList:
		return parseContexts(field, raw)
	case schema.FieldIterator, schema.FieldLoop:
		if s, ok := raw.(string); ok && strings.TrimSpace(s) != "" {
			parsed, err := parseJSON(s)
			if err != nil {
				return nil, invalidJSON(field, err)
			}
			return parsed, nil
		}
		return raw, nil
	}
	return raw, nil
}

// IsEmpty reports whether value counts as not provided for a field of type ft.
func IsEmpty(ft schema.FieldType, value any) bool {
	if value == nil {
		return true
	}
	if s, ok := value.(string); ok {
		return s == ""
	}
	if ft.IsList() || ft.IsFile() {
		rv := reflect.ValueOf(value)
		if rv.Kind() == reflect.Slice {
			return rv.Len() == 0
		}
	}
	return false
}

// CoerceBool maps 'true', '1', 'True', 1 and true to true; everything else is false.
func CoerceBool(value any) bool {
	switch b := value.(type) {
	case bool:
		return b
	case string:
		return b == "true" || b == "1" || b == "True"
	case int:
		return b == 1
	case int64:
		return b == 1
	case float64:
		return b == 1
	case json.Number:
		f, err := b.Float64()
		return err == nil && f == 1
	}
	return false
}

func coerceNumber(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// parseJSON decodes strings; already-structured values pass through.
func parseJSON(value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return value, nil
	}
	var out any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func parseContexts(field schema.InputField, raw any) (any, error) {
	var items []any
	switch v := raw.(type) {
	case nil:
		return []any{}, nil
	case []any:
		items = v
	case []string:
		for _, s := range v {
			items = append(items, s)
		}
	case string:
		items = []any{v}
	default:
		return raw, nil
	}
	out := make([]any, 0, len(items))
	for _, item := range items {
		parsed, err := parseJSON(item)
		if err != nil {
			return nil, invalidJSON(field, err)
		}
		out = append(out, parsed)
	}
	return out, nil
}

func invalidJSON(field schema.InputField, err error) error {
	return schema.NewErrorf(schema.ErrCodeInvalidJSON, "%s: invalid JSON", field.DisplayName()).
		WithField(field.Variable).WithCause(err)
}

// normalizeFiles accepts a FileValue, a record, or a list of either, and
// returns the transport file descriptors. Unrecognized entries are skipped.
func normalizeFiles(value any) []schema.FileValue {
	switch v := value.(type) {
	case nil:
		return nil
	case schema.FileValue:
		return []schema.FileValue{v}
	case *schema.FileValue:
		if v == nil {
			return nil
		}
		return []schema.FileValue{*v}
	case []schema.FileValue:
		return append([]schema.FileValue(nil), v...)
	case map[string]any:
		if f, ok := fileFromRecord(v); ok {
			return []schema.FileValue{f}
		}
		return nil
	case []any:
		out := make([]schema.FileValue, 0, len(v))
		for _, item := range v {
			out = append(out, normalizeFiles(item)...)
		}
		return out
	}
	return nil
}

func fileFromRecord(m map[string]any) (schema.FileValue, bool) {
	str := func(keys ...string) string {
		for _, k := range keys {
			if s, ok := m[k].(string); ok && s != "" {
				return s
			}
		}
		return ""
	}
	f := schema.FileValue{
		Type:           str("type", "supportFileType"),
		TransferMethod: str("transfer_method", "transferMethod"),
		UploadFileID:   str("upload_file_id", "uploadedId"),
		URL:            str("url", "remote_url"),
		Name:           str("name"),
	}
	if p, ok := coerceNumber(m["progress"]); ok {
		f.Progress = int(p)
	}
	if f.TransferMethod == "" {
		if f.URL != "" && f.UploadFileID == "" {
			f.TransferMethod = schema.TransferRemoteURL
		} else {
			f.TransferMethod = schema.TransferLocalFile
		}
	}
	if f.UploadFileID == "" && f.URL == "" && f.TransferMethod == schema.TransferRemoteURL {
		return schema.FileValue{}, false
	}
	return f, true
}

func flatten(resolved []map[string]any) map[string]any {
	out := make(map[string]any)
	for _, m := range resolved {
		maps.Copy(out, m)
	}
	return out
}
