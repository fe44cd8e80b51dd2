// Package exprs evaluates the guard, navigation and interpolation
// expressions carried by process and task configurations.
package exprs

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

var (
	cacheMu sync.Mutex
	cache   = map[string]*vm.Program{}
)

func compile(code string) (*vm.Program, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if p, ok := cache[code]; ok {
		return p, nil
	}

	p, err := expr.Compile(code, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compiling expression %q: %w", code, err)
	}

	cache[code] = p

	return p, nil
}

// Eval evaluates the given expression against env.
func Eval(code string, env map[string]any) (any, error) {
	p, err := compile(code)
	if err != nil {
		return nil, err
	}

	out, err := expr.Run(p, env)
	if err != nil {
		return nil, fmt.Errorf("evaluating expression %q: %w", code, err)
	}

	return out, nil
}

// Bool evaluates a guard condition. An empty condition holds. Any result
// other than boolean true, including an evaluation error, is treated as
// false, matching the null-tolerant behavior of configured guards.
func Bool(code string, env map[string]any) bool {
	if code == "" {
		return true
	}

	out, err := Eval(code, env)
	if err != nil {
		return false
	}

	b, ok := out.(bool)

	return ok && b
}

var placeholder = regexp.MustCompile(`\$\{([^}]+)\}`)

// Interpolate replaces every ${expr} placeholder in s with the value
// returned by resolve. Unresolvable placeholders become the empty string.
func Interpolate(s string, resolve func(name string) (any, error)) string {
	if !strings.Contains(s, "${") {
		return s
	}

	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(m, "${"), "}")

		v, err := resolve(name)
		if err != nil || v == nil {
			return ""
		}

		return fmt.Sprintf("%v", v)
	})
}
