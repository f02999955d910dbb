// Package render substitutes {{ name }} and {{ a.b }} placeholders in
// notification templates. Missing values render as empty strings; a template
// with an unterminated tag or an invalid placeholder name does not render.
package render

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/valyala/fasttemplate"
)

var ErrSyntax = errors.New("template syntax error")

const (
	startTag = "{{"
	endTag   = "}}"
)

var placeholder = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// Render renders tpl against ctx. It never modifies ctx.
func Render(tpl string, ctx map[string]interface{}) (string, error) {
	t, err := fasttemplate.NewTemplate(tpl, startTag, endTag)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSyntax, err)
	}

	out, err := t.ExecuteFuncStringWithErr(func(w io.Writer, tag string) (int, error) {
		name := strings.TrimSpace(tag)
		if !placeholder.MatchString(name) {
			return 0, fmt.Errorf("%w: invalid placeholder %q", ErrSyntax, name)
		}
		return io.WriteString(w, format(lookup(ctx, name)))
	})
	if err != nil {
		if errors.Is(err, ErrSyntax) {
			return "", err
		}
		return "", fmt.Errorf("render: %w", err)
	}
	return out, nil
}

// Validate reports a syntax error in tpl without rendering it.
func Validate(tpl string) error {
	_, err := Render(tpl, nil)
	return err
}

func lookup(ctx map[string]interface{}, name string) interface{} {
	var cur interface{} = ctx
	for _, part := range strings.Split(name, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return cur
}

func format(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		// JSON numbers arrive as float64; whole amounts print without decimals
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}
