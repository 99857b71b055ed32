package dropdown

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

const (
	conditionKey = "dropdownCondition"
	textKey      = "text"
	parsedKey    = "parsed"
)

// ErrOptionsDecode is the target of errors.Is for every *OptionsDecodeError.
var ErrOptionsDecode = errors.New("dropdown: cannot decode widget options")

// OptionsDecodeError reports widget options that are not valid JSON or whose
// dropdown condition does not have the expected shape.
type OptionsDecodeError struct {
	// Field is the part of the options that failed, e.g. "dropdownCondition.text".
	Field string
	Err   error
}

func (e *OptionsDecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("decode widget options: %v", e.Err)
	}
	return fmt.Sprintf("decode widget options: %s: %v", e.Field, e.Err)
}

func (e *OptionsDecodeError) Unwrap() error { return e.Err }

func (e *OptionsDecodeError) Is(target error) bool { return target == ErrOptionsDecode }

// widgetOptions is a decoded options blob. Values are kept raw so that keys
// this package does not interpret survive a round trip.
type widgetOptions map[string]json.RawMessage

type condition map[string]json.RawMessage

// decodeCondition decodes blob and its dropdown condition. A nil condition
// with a nil error means the blob is empty or has no condition.
func decodeCondition(blob string) (widgetOptions, *condition, string, error) {
	if strings.TrimSpace(blob) == "" {
		return nil, nil, "", nil
	}
	var opts widgetOptions
	if err := json.Unmarshal([]byte(blob), &opts); err != nil {
		return nil, nil, "", &OptionsDecodeError{Err: err}
	}
	raw, ok := opts[conditionKey]
	if !ok {
		return opts, nil, "", nil
	}
	var cond condition
	if err := json.Unmarshal(raw, &cond); err != nil {
		return nil, nil, "", &OptionsDecodeError{Field: conditionKey, Err: err}
	}
	if cond == nil {
		// "dropdownCondition": null
		return opts, nil, "", nil
	}
	rawText, ok := cond[textKey]
	if !ok {
		return nil, nil, "", &OptionsDecodeError{Field: conditionKey + "." + textKey, Err: errors.New("missing")}
	}
	var text string
	if err := json.Unmarshal(rawText, &text); err != nil {
		return nil, nil, "", &OptionsDecodeError{Field: conditionKey + "." + textKey, Err: err}
	}
	return opts, &cond, text, nil
}

func (c *condition) hasParsed() bool {
	_, ok := (*c)[parsedKey]
	return ok
}

func (c *condition) setText(text string) error {
	return c.set(textKey, text)
}

// setParsed stores the structured form as a JSON string.
func (c *condition) setParsed(parsed string) error {
	return c.set(parsedKey, parsed)
}

func (c *condition) dropParsed() {
	delete(*c, parsedKey)
}

func (c *condition) set(key string, v any) error {
	raw, err := marshal(v)
	if err != nil {
		return err
	}
	(*c)[key] = raw
	return nil
}

// encode returns the options blob with cond as its dropdown condition.
// Keys come out sorted; values this package did not set keep their bytes.
func (o widgetOptions) encode(cond *condition) (string, error) {
	raw, err := encodeObject(*cond)
	if err != nil {
		return "", err
	}
	o[conditionKey] = raw
	out, err := encodeObject(o)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// encodeObject writes m as a JSON object with sorted keys, copying each
// value verbatim.
func encodeObject(m map[string]json.RawMessage) (json.RawMessage, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range slices.Sorted(maps.Keys(m)) {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		if v := m[k]; v != nil {
			buf.Write(v)
		} else {
			buf.WriteString("null")
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// marshal encodes v without escaping <, > and &, which are common in
// formulas.
func marshal(v any) (json.RawMessage, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// MarshalJSON includes the skip reason as a string.
func (s Skip) MarshalJSON() ([]byte, error) {
	type skip struct {
		ColumnID int64  `json:"columnId"`
		Error    string `json:"error,omitempty"`
	}
	out := skip{ColumnID: s.ColumnID}
	if s.Err != nil {
		out.Error = s.Err.Error()
	}
	return json.Marshal(out)
}
