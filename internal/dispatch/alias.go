package dispatch

import "strings"

// aliasExempt are commands the expander never rewrites, so a player can
// always repair a bad alias.
var aliasExempt = map[string]bool{
	"alias":   true,
	"unalias": true,
	"aliases": true,
}

// ExpandAlias applies at most one alias substitution to a command line.
// Expansion is never recursive; an alias whose body starts with its own
// name simply runs the underlying command. "$*" in the body is replaced
// with the arguments, otherwise they are appended.
func ExpandAlias(aliases map[string]string, line string) string {
	verb, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	if verb == "" || aliasExempt[verb] {
		return line
	}
	body, ok := aliases[verb]
	if !ok {
		return line
	}
	rest = strings.TrimSpace(rest)
	if strings.Contains(body, "$*") {
		return strings.ReplaceAll(body, "$*", rest)
	}
	if rest == "" {
		return body
	}
	return body + " " + rest
}
