package template

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/valyala/fasttemplate"
)

// CompileError reports a template that failed to parse or, in strict mode,
// referenced an undeclared variable.
type CompileError struct {
	Message string
}

func (e *CompileError) Error() string { return e.Message }

// Engine renders {{var}} style templates against a variable map.
// Dotted tags walk nested maps ({{user.name}}).
type Engine struct {
	startTag string
	endTag   string
}

// NewEngine creates an engine with the default {{ }} delimiters.
func NewEngine() *Engine {
	return &Engine{startTag: "{{", endTag: "}}"}
}

// Validate checks that a template body compiles. It does not resolve
// variables; strict-variable failures only surface at render time.
func (e *Engine) Validate(body string) error {
	if _, err := fasttemplate.NewTemplate(body, e.startTag, e.endTag); err != nil {
		return &CompileError{Message: err.Error()}
	}
	return nil
}

// Render substitutes variables into the template. In strict mode a tag that
// resolves to nothing is a CompileError; otherwise it renders empty.
func (e *Engine) Render(body string, vars map[string]any, strict bool) (string, error) {
	t, err := fasttemplate.NewTemplate(body, e.startTag, e.endTag)
	if err != nil {
		return "", &CompileError{Message: err.Error()}
	}

	out, err := t.ExecuteFuncStringWithErr(func(w io.Writer, tag string) (int, error) {
		value, found := lookup(vars, strings.TrimSpace(tag))
		if !found {
			if strict {
				return 0, &CompileError{Message: fmt.Sprintf("undefined variable %q", strings.TrimSpace(tag))}
			}
			return 0, nil
		}
		return io.WriteString(w, stringify(value))
	})
	if err != nil {
		var compileErr *CompileError
		if errors.As(err, &compileErr) {
			return "", compileErr
		}
		return "", err
	}
	return out, nil
}

// lookup resolves a dotted path through nested map[string]any values
func lookup(vars map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = vars
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}
