package util

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/jmespath/go-jmespath"
)

// Transform rewrites log lines through a compiled JMESPath expression.
// A nil *Transform leaves lines unchanged.
type Transform struct {
	expr   *jmespath.JMESPath
	source string
}

// NewTransform compiles expr. An empty expr yields a nil Transform.
func NewTransform(expr string) (*Transform, error) {
	if expr == "" {
		return nil, nil
	}
	jp, err := jmespath.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile transform %q: %w", expr, err)
	}
	return &Transform{expr: jp, source: expr}, nil
}

// String returns the source expression.
func (t *Transform) String() string {
	if t == nil {
		return ""
	}
	return t.source
}

// Apply evaluates the expression against line (decoded as JSON if possible;
// otherwise wrapped as {"message": line}) and returns the string form of the
// result. Strings are returned as-is, other values are marshaled to JSON.
// Evaluation errors and empty results fall back to the original line.
func (t *Transform) Apply(line string) string {
	if t == nil {
		return line
	}
	var input any
	var decoded any
	if err := json.Unmarshal([]byte(line), &decoded); err == nil {
		input = decoded
	} else {
		input = map[string]any{"message": line}
	}

	res, err := t.expr.Search(input)
	if err != nil || isEmpty(res) {
		return line
	}
	switch v := res.(type) {
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return line
		}
		return string(b)
	}
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	switch t := v.(type) {
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() == 0
	}
	return false
}
