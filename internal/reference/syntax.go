// Package reference resolves variable references of the form #nodeId.name.path#
// against values previously observed for other nodes.
package reference

import (
	"regexp"
	"strings"
)

// Reserved selector roots that do not name a graph node.
const (
	SystemNode       = "sys"
	EnvironmentNode  = "env"
	ConversationNode = "conversation"
)

// templateRef matches {{#node.var.path#}} tokens inside prompt and template text.
var templateRef = regexp.MustCompile(`\{\{#([a-zA-Z0-9_]{1,50}(?:\.[a-zA-Z_][a-zA-Z0-9_]{0,29}){1,10})#\}\}`)

// IsReference reports whether variable is written as a #...# reference.
func IsReference(variable string) bool {
	return len(variable) > 2 && strings.HasPrefix(variable, "#") && strings.HasSuffix(variable, "#")
}

// Parse splits a reference into its selector segments. The leading and
// trailing # are optional. It returns false when fewer than two segments
// remain or any segment is empty.
func Parse(ref string) ([]string, bool) {
	body := strings.TrimSuffix(strings.TrimPrefix(ref, "#"), "#")
	if body == "" {
		return nil, false
	}
	segments := strings.Split(body, ".")
	if len(segments) < 2 {
		return nil, false
	}
	for _, s := range segments {
		if s == "" {
			return nil, false
		}
	}
	return segments, true
}

// Format renders a selector as a #...# reference.
func Format(selector []string) string {
	return "#" + strings.Join(selector, ".") + "#"
}

// ExtractSelectors returns the selectors referenced by {{#...#}} tokens in
// the given texts, de-duplicated by joined path in first-occurrence order.
func ExtractSelectors(texts ...string) [][]string {
	seen := make(map[string]struct{})
	var out [][]string
	for _, text := range texts {
		for _, m := range templateRef.FindAllStringSubmatch(text, -1) {
			if _, dup := seen[m[1]]; dup {
				continue
			}
			seen[m[1]] = struct{}{}
			out = append(out, strings.Split(m[1], "."))
		}
	}
	return out
}

// IsEnvironment reports whether the selector points at an environment variable.
func IsEnvironment(selector []string) bool {
	return len(selector) > 0 && selector[0] == EnvironmentNode
}

// IsSystem reports whether the selector points at a system variable.
func IsSystem(selector []string) bool {
	return len(selector) > 0 && selector[0] == SystemNode
}

// IsConversation reports whether the selector points at a conversation variable.
func IsConversation(selector []string) bool {
	return len(selector) > 0 && selector[0] == ConversationNode
}
