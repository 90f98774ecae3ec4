package behaviors

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/agentflow-io/agentflow/internal/domain"
)

// placeholderPattern matches {name} references in prompt and query
// templates. Names follow state key syntax, including dotted metadata
// keys such as {metadata.execution_id}.
var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_.]*)\}`)

// renderTemplate substitutes {key} placeholders with values from the
// state. Placeholders naming absent keys are left in place and reported
// as warnings, so a downstream reader can see what failed to resolve.
func renderTemplate(tpl string, state domain.State) (string, []string) {
	exported := state.Export()

	var warnings []string
	rendered := placeholderPattern.ReplaceAllStringFunc(tpl, func(match string) string {
		key := match[1 : len(match)-1]

		if v, ok := lookupTemplateKey(exported, key); ok {
			return v
		}
		warnings = append(warnings, fmt.Sprintf("unresolved placeholder %s", match))
		return match
	})
	return rendered, warnings
}

// renderTemplateStrict renders like renderTemplate but fails when any
// placeholder is unresolved.
func renderTemplateStrict(tpl string, state domain.State) (string, error) {
	rendered, warnings := renderTemplate(tpl, state)
	if len(warnings) > 0 {
		return "", fmt.Errorf("%w: %s", domain.ErrUnresolvedPlaceholder, strings.Join(warnings, "; "))
	}
	return rendered, nil
}

// lookupTemplateKey resolves a placeholder name against the exported
// state, following one level of dotted nesting for metadata keys.
func lookupTemplateKey(exported map[string]any, key string) (string, bool) {
	if before, after, found := strings.Cut(key, "."); found {
		nested, ok := exported[before].(map[string]any)
		if !ok {
			return "", false
		}
		return stateString(nested, after)
	}
	return stateString(exported, key)
}
