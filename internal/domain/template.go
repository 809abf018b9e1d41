package domain

import (
	"regexp"
	"sort"
	"time"
)

// Template is a reusable message definition. Variables is advisory: it is
// recomputed from the subject and body on every write.
type Template struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Name      string    `json:"name" db:"name"`
	Subject   string    `json:"subject" db:"subject"`
	Body      string    `json:"body" db:"body"`
	Variables []string  `json:"variables" db:"variables"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

var tokenRe = regexp.MustCompile(`\{\{([A-Za-z_][A-Za-z0-9_]*)\}\}`)

// ExtractVariables returns the sorted union of {{identifier}} tokens found
// in the given strings. Duplicates are collapsed.
func ExtractVariables(texts ...string) []string {
	seen := map[string]bool{}
	for _, text := range texts {
		for _, m := range tokenRe.FindAllStringSubmatch(text, -1) {
			seen[m[1]] = true
		}
	}
	vars := make([]string, 0, len(seen))
	for v := range seen {
		vars = append(vars, v)
	}
	sort.Strings(vars)
	return vars
}

// RecomputeVariables refreshes the advisory variable list from the current
// subject and body.
func (t *Template) RecomputeVariables() {
	t.Variables = ExtractVariables(t.Subject, t.Body)
}
