// Package fingerprint produces stable content hashes for stage inputs and
// outputs. Two invocations of Canonicalize over semantically equivalent
// JSON (different key order, equivalent numeric formatting) must produce
// byte-identical output; Hash then seals that output with SHA-256.
package fingerprint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Canonicalize renders v as canonical JSON: object keys sorted
// lexicographically, numbers normalized (no "-0", no insignificant
// trailing zeros, 17 significant digits for float64), arrays left in
// their original order. The result is stable across platforms and Go
// map iteration order.
func Canonicalize(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, normalized); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// normalize round-trips v through encoding/json to collapse it to the
// generic any shape (map[string]any / []any / float64 / string / bool /
// nil) that writeCanonical understands, regardless of v's static type.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: marshal: %w", err)
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("fingerprint: decode: %w", err)
	}
	return generic, nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(normalizeNumber(val))
	case string:
		enc, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(enc)
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyBytes)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("fingerprint: unsupported type %T", v)
	}
	return nil
}

// normalizeNumber renders a json.Number in a platform- and
// encoder-independent form: integers with no exponent or decimal point,
// and non-integers as IEEE 754 doubles with 17 significant digits (the
// minimum that round-trips every float64 exactly). "-0" collapses to "0".
func normalizeNumber(n json.Number) string {
	if i, err := n.Int64(); err == nil {
		if i == 0 {
			return "0"
		}
		return strconv.FormatInt(i, 10)
	}

	f, err := n.Float64()
	if err != nil {
		return n.String()
	}
	if f == 0 {
		return "0"
	}
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return n.String()
	}
	return strconv.FormatFloat(f, 'g', 17, 64)
}
