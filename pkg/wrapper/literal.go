package wrapper

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Literal renders v as a Python literal expression. Values are converted at
// the leaf: nil becomes None, booleans True/False, numbers keep their
// textual form, strings are quoted with JSON escapes (which Python reads
// the same way), slices become lists and maps become dicts with sorted
// keys. Invalid UTF-8 in strings is replaced with U+FFFD. Types without a direct mapping are converted
// through their JSON encoding first; if that fails they render as None.
func Literal(v any) string {
	var b strings.Builder
	writeLiteral(&b, v)
	return b.String()
}

func writeLiteral(b *strings.Builder, v any) {
	switch x := v.(type) {
	case nil:
		b.WriteString("None")
	case bool:
		if x {
			b.WriteString("True")
		} else {
			b.WriteString("False")
		}
	case string:
		b.WriteString(quote(x))
	case json.Number:
		writeNumber(b, x)
	case float64:
		writeFloat(b, x)
	case float32:
		writeFloat(b, float64(x))
	case int:
		b.WriteString(strconv.FormatInt(int64(x), 10))
	case int8:
		b.WriteString(strconv.FormatInt(int64(x), 10))
	case int16:
		b.WriteString(strconv.FormatInt(int64(x), 10))
	case int32:
		b.WriteString(strconv.FormatInt(int64(x), 10))
	case int64:
		b.WriteString(strconv.FormatInt(x, 10))
	case uint:
		b.WriteString(strconv.FormatUint(uint64(x), 10))
	case uint8:
		b.WriteString(strconv.FormatUint(uint64(x), 10))
	case uint16:
		b.WriteString(strconv.FormatUint(uint64(x), 10))
	case uint32:
		b.WriteString(strconv.FormatUint(uint64(x), 10))
	case uint64:
		b.WriteString(strconv.FormatUint(x, 10))
	case []any:
		writeList(b, x)
	case map[string]any:
		writeDict(b, x)
	default:
		writeViaJSON(b, v)
	}
}

func writeNumber(b *strings.Builder, n json.Number) {
	s := n.String()
	// Out-of-range values are still valid number syntax; Python reads them
	// as inf or 0.0.
	if _, err := strconv.ParseFloat(s, 64); err != nil && !errors.Is(err, strconv.ErrRange) {
		b.WriteString(quote(s))
		return
	}
	b.WriteString(s)
}

func writeFloat(b *strings.Builder, f float64) {
	switch {
	case math.IsNaN(f):
		b.WriteString("float('nan')")
	case math.IsInf(f, 1):
		b.WriteString("float('inf')")
	case math.IsInf(f, -1):
		b.WriteString("float('-inf')")
	default:
		s := strconv.FormatFloat(f, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		b.WriteString(s)
	}
}

func writeList(b *strings.Builder, items []any) {
	b.WriteByte('[')
	for i, item := range items {
		if i > 0 {
			b.WriteString(", ")
		}
		writeLiteral(b, item)
	}
	b.WriteByte(']')
}

func writeDict(b *strings.Builder, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quote(k))
		b.WriteString(": ")
		writeLiteral(b, m[k])
	}
	b.WriteByte('}')
}

// quote renders s as a double-quoted string using JSON escapes only.
func quote(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	return strings.TrimSuffix(buf.String(), "\n")
}

// writeViaJSON handles typed slices, typed maps and structs by decoding
// their JSON form into generic values.
func writeViaJSON(b *strings.Builder, v any) {
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
		b.WriteString("None")
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		b.WriteString("None")
		return
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		b.WriteString("None")
		return
	}
	writeLiteral(b, generic)
}
