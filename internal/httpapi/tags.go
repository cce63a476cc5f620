package httpapi

import (
	"bytes"
	"encoding/json"
)

// flattenedSequences are sequences whose first item is lifted into the
// top-level keys. Modality worklist queries nest the step attributes there.
var flattenedSequences = map[string]bool{
	"ScheduledProcedureStepSequence": true,
}

// dicomTags decodes a tag object keyed by DICOM keyword. String and number
// values are kept as text; sequences and other values are skipped, except
// the first item of a flattened sequence. Top-level keys win over lifted
// ones.
type dicomTags map[string]string

func (t *dicomTags) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(dicomTags, len(raw))
	for key, value := range raw {
		if s, ok := scalarText(value); ok {
			out[key] = s
		}
	}
	for key, value := range raw {
		if !flattenedSequences[key] {
			continue
		}
		for k, v := range firstItem(value) {
			if _, exists := out[k]; !exists {
				out[k] = v
			}
		}
	}
	*t = out
	return nil
}

func scalarText(value json.RawMessage) (string, bool) {
	value = bytes.TrimSpace(value)
	if len(value) == 0 {
		return "", false
	}
	switch value[0] {
	case '"':
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			return "", false
		}
		return s, true
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal(value, &n); err != nil {
			return "", false
		}
		return n.String(), true
	}
	return "", false
}

// firstItem returns the scalar keys of the first item of a sequence, which
// may be sent as an array of objects or as a single object.
func firstItem(value json.RawMessage) map[string]string {
	value = bytes.TrimSpace(value)
	if len(value) > 0 && value[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(value, &items); err != nil || len(items) == 0 {
			return nil
		}
		value = items[0]
	}
	var item map[string]json.RawMessage
	if err := json.Unmarshal(value, &item); err != nil {
		return nil
	}
	out := make(map[string]string, len(item))
	for k, v := range item {
		if s, ok := scalarText(v); ok {
			out[k] = s
		}
	}
	return out
}
