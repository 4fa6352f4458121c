package service

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

// placeholderRe matches the substitution grammar: {key} or {{ key }}.
// Keys are dotted identifiers; anything else is left verbatim.
var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.]*)\s*\}\}|\{([A-Za-z_][A-Za-z0-9_.]*)\}`)

// substitute replaces placeholders with context values. Unknown keys render as
// empty strings and are logged as warnings, never an error: a template must not
// be able to fail a delivery at send time.
func substitute(tpl string, ctx map[string]any, log zerolog.Logger) string {
	return placeholderRe.ReplaceAllStringFunc(tpl, func(m string) string {
		groups := placeholderRe.FindStringSubmatch(m)
		key := groups[1]
		if key == "" {
			key = groups[2]
		}
		v, ok := lookup(ctx, key)
		if !ok {
			log.Warn().Str("key", key).Msg("template placeholder missing from context")
			return ""
		}
		return stringify(v)
	})
}

// lookup resolves a dotted key against nested maps.
func lookup(ctx map[string]any, key string) (any, bool) {
	parts := strings.Split(key, ".")
	var cur any = ctx
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		// JSON round-trips integers as float64; render them without a fraction.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
