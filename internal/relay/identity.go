package relay

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math"
	"sort"
	"strconv"
	"strings"
)

// identityFields are checked in order before falling back to a fingerprint.
var identityFields = []string{"id", "messageId"}

// MessageID returns the identity of a payload: its "id" field, else its
// "messageId" field, else Fingerprint(payload). Only non-empty strings and
// non-zero numbers count as an explicit identity; numbers are written in
// their canonical form.
func MessageID(payload map[string]any) string {
	for _, field := range identityFields {
		if id, ok := explicitID(payload[field]); ok {
			return id
		}
	}

	return Fingerprint(payload)
}

// Fingerprint is the hex SHA-256 of the canonical serialization of payload.
// Equal key/value content yields equal fingerprints whatever the key order
// of the original document.
func Fingerprint(payload map[string]any) string {
	sum := sha256.Sum256(Canonical(payload))
	return hex.EncodeToString(sum[:])
}

// Canonical serializes v as JSON with object keys sorted at every level,
// ", " and ": " separators, and no HTML or non-ASCII escaping. Integer
// literals keep their text apart from -0; other numbers are written in
// shortest round-trip form with a ".0" suffix when integral.
func Canonical(v any) []byte {
	var buf bytes.Buffer
	writeCanonical(&buf, v)
	return buf.Bytes()
}

func writeCanonical(buf *bytes.Buffer, v any) {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(t))
	case json.Number:
		writeNumber(buf, t)
	case float64:
		writeFloat(buf, t)
	case string:
		writeString(buf, t)
	case []any:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteString(", ")
			}
			writeCanonical(buf, item)
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(", ")
			}
			writeString(buf, k)
			buf.WriteString(": ")
			writeCanonical(buf, t[k])
		}
		buf.WriteByte('}')
	default:
		// values that did not come out of encoding/json
		raw, err := json.Marshal(t)
		if err != nil {
			buf.WriteString("null")
			return
		}
		var generic any
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&generic); err != nil {
			buf.WriteString("null")
			return
		}
		writeCanonical(buf, generic)
	}
}

func writeString(buf *bytes.Buffer, s string) {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
}

// writeNumber keeps integer literals exact, except that -0 is written as 0.
// Everything else is parsed as a float; literals beyond float64 range become
// Infinity or -Infinity.
func writeNumber(buf *bytes.Buffer, n json.Number) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if s == "-0" {
			s = "0"
		}
		buf.WriteString(s)
		return
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		buf.WriteString(s)
		return
	}
	writeFloat(buf, f)
}

// writeFloat uses positional notation for decimal exponents in [-4, 16) and
// scientific notation outside it.
func writeFloat(buf *bytes.Buffer, f float64) {
	switch {
	case math.IsNaN(f):
		buf.WriteString("NaN")
		return
	case math.IsInf(f, 1):
		buf.WriteString("Infinity")
		return
	case math.IsInf(f, -1):
		buf.WriteString("-Infinity")
		return
	}

	sci := strconv.FormatFloat(f, 'e', -1, 64)
	exp, err := strconv.Atoi(sci[strings.IndexByte(sci, 'e')+1:])
	if err == nil && (exp < -4 || exp >= 16) {
		buf.WriteString(sci)
		return
	}

	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	buf.WriteString(s)
}

func explicitID(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, t != ""
	case json.Number:
		f, err := strconv.ParseFloat(t.String(), 64)
		if (err != nil && !errors.Is(err, strconv.ErrRange)) || f == 0 {
			return "", false
		}
		return string(Canonical(t)), true
	case float64:
		if t == 0 {
			return "", false
		}
		return string(Canonical(t)), true
	default:
		return "", false
	}
}
