// Package cursor encodes and decodes pagination cursors.
// A cursor is the base64 encoding of the ordering value of the last row on a
// page, rendered as a string. The token "1" names the first page.
package cursor

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"dynrest/internal/apierr"
)

// First is the cursor of the first page.
const First = "1"

// IsFirst reports whether raw starts a cursor walk.
func IsFirst(raw string) bool {
	return strings.TrimSpace(raw) == First
}

// Encode builds an opaque cursor from an ordering value.
func Encode(value any) string {
	return base64.StdEncoding.EncodeToString([]byte(render(value)))
}

// Decode returns the ordering value a cursor encodes. The first-page token
// decodes to the empty string.
func Decode(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == First {
		return "", nil
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", &apierr.InvalidCursorError{Token: raw, Err: fmt.Errorf("invalid cursor: %w", err)}
	}
	if !utf8.Valid(data) {
		return "", &apierr.InvalidCursorError{Token: raw, Err: fmt.Errorf("invalid cursor: value is not utf-8")}
	}
	return string(data), nil
}

// Order is the cursor ordering of an entity: one column and a direction.
type Order struct {
	Field string
	Desc  bool
}

// ParseOrder reads a cursor ordering such as "-created".
func ParseOrder(spec string) Order {
	spec = strings.TrimSpace(spec)
	field := strings.ReplaceAll(spec, "-", "")
	return Order{Field: field, Desc: field != spec}
}

// String renders the ordering back to its spec form.
func (o Order) String() string {
	if o.Desc {
		return "-" + o.Field
	}
	return o.Field
}

// Operator is the filter operator a seek on this ordering uses.
func (o Order) Operator() string {
	if o.Desc {
		return "lt"
	}
	return "gt"
}

// render spells an ordering value as text. NULL becomes the literal "None".
func render(v any) string {
	switch val := v.(type) {
	case nil:
		return "None"
	case string:
		return val
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}
