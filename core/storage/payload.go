package storage

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/cockroachdb/errors"
)

// payloadField returns the text of a top-level field of a JSON object payload,
// rendered the way SQL `payload->>'field'` renders it. ok is false when the
// field is absent or null.
func payloadField(payload []byte, field string) (value string, ok bool, err error) {
	var object map[string]json.RawMessage
	if err := json.Unmarshal(payload, &object); err != nil {
		return "", false, errors.Wrap(err, "payload is not a JSON object")
	}
	raw, ok := object[field]
	if !ok {
		return "", false, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", false, errors.Wrapf(err, "failed to decode field %q", field)
	}
	switch v := v.(type) {
	case nil:
		return "", false, nil
	case string:
		return v, true, nil
	case json.Number:
		return v.String(), true, nil
	case bool:
		return strconv.FormatBool(v), true, nil
	default:
		return string(raw), true, nil
	}
}
