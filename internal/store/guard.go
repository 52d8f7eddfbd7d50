package store

import (
	"errors"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrUnsafeQuery marks an ad hoc query rejected before execution.
var ErrUnsafeQuery = errors.New("unsafe query")

// mutationWords are keywords that indicate write or DDL intent. They are
// matched as whole words anywhere in the statement so that mutation hidden
// inside a CTE is also caught.
var mutationWords = map[string]bool{
	"insert": true, "update": true, "delete": true,
	"drop": true, "alter": true, "create": true,
	"replace": true, "truncate": true, "merge": true,
	"attach": true, "detach": true, "pragma": true,
	"vacuum": true, "reindex": true, "grant": true,
	"revoke": true, "copy": true,
}

var (
	sqlCommentRe = regexp.MustCompile(`(?s)--[^\n]*|/\*.*?\*/`)
	sqlWordRe    = regexp.MustCompile(`[a-z_][a-z0-9_]*`)
)

// ValidateReadOnly admits a single SELECT or WITH statement and nothing else.
// The ad hoc query surface is exposed to an external caller that must not be
// able to corrupt the store. Comments are stripped before scanning so a
// keyword glued to one ("/*x*/DELETE") cannot slip past, and words are
// tokenized on identifier boundaries rather than whitespace.
func ValidateReadOnly(expr string) error {
	trimmed := strings.TrimSpace(sqlCommentRe.ReplaceAllString(expr, " "))
	if trimmed == "" {
		return eris.Wrap(ErrUnsafeQuery, "empty statement")
	}
	trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	if strings.Contains(trimmed, ";") {
		return eris.Wrap(ErrUnsafeQuery, "multiple statements")
	}

	words := sqlWordRe.FindAllString(strings.ToLower(trimmed), -1)
	if len(words) == 0 {
		return eris.Wrap(ErrUnsafeQuery, "empty statement")
	}
	if first := words[0]; first != "select" && first != "with" {
		return eris.Wrapf(ErrUnsafeQuery, "statement must start with SELECT or WITH, got %q", first)
	}
	for _, w := range words {
		if mutationWords[w] {
			return eris.Wrapf(ErrUnsafeQuery, "statement contains %q", w)
		}
	}
	return nil
}
