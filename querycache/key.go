package querycache

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Key identifies a query: a collection name followed by the query parameters,
// e.g. Key{"books", 2, "tolkien"} or Key{"loans", userID}. Elements must be
// JSON-encodable scalars.
type Key []any

// String is the canonical encoding used as the map key.
func (k Key) String() string {
	parts := make([]string, len(k))
	for i, el := range k {
		parts[i] = encodeElement(el)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// HasPrefix reports whether k starts with every element of prefix.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if encodeElement(k[i]) != encodeElement(prefix[i]) {
			return false
		}
	}
	return true
}

// Collection returns the first element, or "" for an empty key.
func (k Key) Collection() string {
	if len(k) == 0 {
		return ""
	}
	if s, ok := k[0].(string); ok {
		return s
	}
	return encodeElement(k[0])
}

func encodeElement(el any) string {
	raw, err := json.Marshal(el)
	if err != nil {
		return fmt.Sprintf("%#v", el)
	}
	return string(raw)
}
