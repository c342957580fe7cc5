// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package security holds the query governance engines: row-level
// security rewriting, complexity validation, and column masking.
package security

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// RLSRule narrows queries against a table with an extra predicate.
// AgentID of "" makes the rule global. The predicate may reference
// context variables as {name}; values are substituted as escaped
// literals at apply time.
type RLSRule struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id,omitempty"`
	Table     string `json:"table"`
	Predicate string `json:"predicate"`
	Enabled   bool   `json:"enabled"`
}

// RLSError reports a rule that could not be applied.
type RLSError struct {
	RuleID  string
	Message string
}

// Error implements the error interface.
func (e *RLSError) Error() string {
	return fmt.Sprintf("rls rule %q: %s", e.RuleID, e.Message)
}

// tableRefPattern captures table names following FROM/JOIN/UPDATE/INTO.
var tableRefPattern = regexp.MustCompile(`(?i)\b(?:from|join|update|into)\s+([a-zA-Z_][a-zA-Z0-9_.]*)`)

// tailClausePattern locates the first clause that must stay after WHERE.
var tailClausePattern = regexp.MustCompile(`(?i)\b(group\s+by|order\s+by|having|limit|offset|returning)\b`)

// wherePattern locates an existing WHERE keyword.
var wherePattern = regexp.MustCompile(`(?i)\bwhere\b`)

// contextVarPattern matches {name} placeholders inside predicates.
var contextVarPattern = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// RowLevelSecurityEngine rewrites SQL statements to append tenant and
// user scoping predicates. Safe for concurrent use.
type RowLevelSecurityEngine struct {
	rules map[string]*RLSRule
	mu    sync.RWMutex
}

// NewRowLevelSecurityEngine creates an engine with no rules.
func NewRowLevelSecurityEngine() *RowLevelSecurityEngine {
	return &RowLevelSecurityEngine{rules: make(map[string]*RLSRule)}
}

// AddRule registers a rule and returns its ID.
func (e *RowLevelSecurityEngine) AddRule(rule RLSRule) string {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[rule.ID] = &rule
	return rule.ID
}

// RemoveRule deletes a rule. Removing an unknown ID is a no-op.
func (e *RowLevelSecurityEngine) RemoveRule(ruleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rules, ruleID)
}

// SetRuleEnabled toggles a rule.
func (e *RowLevelSecurityEngine) SetRuleEnabled(ruleID string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rule, ok := e.rules[ruleID]
	if !ok {
		return &RLSError{RuleID: ruleID, Message: "not found"}
	}
	rule.Enabled = enabled
	return nil
}

// ListRules returns a snapshot of all rules sorted by ID.
func (e *RowLevelSecurityEngine) ListRules() []RLSRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]RLSRule, 0, len(e.rules))
	for _, rule := range e.rules {
		out = append(out, *rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Apply rewrites sql so every enabled rule whose table appears in the
// statement contributes its predicate, AND-combined with any existing
// WHERE clause. Rules are applied in a stable order; since predicates
// combine with AND the order never changes the final predicate set.
// Returns sql unchanged when no rules match.
func (e *RowLevelSecurityEngine) Apply(sql, agentID string, context map[string]interface{}) (string, error) {
	tables := referencedTables(sql)
	if len(tables) == 0 {
		return sql, nil
	}

	e.mu.RLock()
	applicable := make([]*RLSRule, 0)
	for _, rule := range e.rules {
		if !rule.Enabled {
			continue
		}
		if rule.AgentID != "" && rule.AgentID != agentID {
			continue
		}
		if _, ok := tables[strings.ToLower(rule.Table)]; ok {
			applicable = append(applicable, rule)
		}
	}
	e.mu.RUnlock()

	if len(applicable) == 0 {
		return sql, nil
	}
	sort.Slice(applicable, func(i, j int) bool { return applicable[i].ID < applicable[j].ID })

	predicates := make([]string, 0, len(applicable))
	for _, rule := range applicable {
		predicate, err := substituteContext(rule, context)
		if err != nil {
			return "", err
		}
		predicates = append(predicates, "("+predicate+")")
	}

	return appendPredicates(sql, predicates), nil
}

// referencedTables extracts the lowercase table names a statement touches.
func referencedTables(sql string) map[string]struct{} {
	tables := make(map[string]struct{})
	for _, match := range tableRefPattern.FindAllStringSubmatch(sql, -1) {
		name := strings.ToLower(match[1])
		// Strip a schema qualifier; rules name bare tables.
		if idx := strings.LastIndex(name, "."); idx >= 0 {
			name = name[idx+1:]
		}
		tables[name] = struct{}{}
	}
	return tables
}

// substituteContext renders a rule predicate with context values as
// escaped literals. A referenced variable with no context value is an
// error, never an empty substitution.
func substituteContext(rule *RLSRule, context map[string]interface{}) (string, error) {
	var missing string
	result := contextVarPattern.ReplaceAllStringFunc(rule.Predicate, func(match string) string {
		name := match[1 : len(match)-1]
		value, ok := context[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return match
		}
		return literal(value)
	})
	if missing != "" {
		return "", &RLSError{RuleID: rule.ID, Message: fmt.Sprintf("context variable %q not provided", missing)}
	}
	return result, nil
}

// appendPredicates AND-combines predicates with the statement's WHERE
// clause, creating one when absent. Trailing clauses (GROUP BY, ORDER
// BY, LIMIT...) stay after the rewritten WHERE.
func appendPredicates(sql string, predicates []string) string {
	combined := strings.Join(predicates, " AND ")

	trimmed := strings.TrimRight(sql, " \t\n;")
	suffix := sql[len(trimmed):]

	if loc := wherePattern.FindStringIndex(trimmed); loc != nil {
		condStart := loc[1]
		condEnd := len(trimmed)
		if tail := tailClausePattern.FindStringIndex(trimmed[condStart:]); tail != nil {
			condEnd = condStart + tail[0]
		}
		existing := strings.TrimSpace(trimmed[condStart:condEnd])
		rewritten := trimmed[:loc[0]] + "WHERE (" + existing + ") AND " + combined
		if condEnd < len(trimmed) {
			rewritten += " " + trimmed[condEnd:]
		}
		return rewritten + suffix
	}

	if tail := tailClausePattern.FindStringIndex(trimmed); tail != nil {
		return strings.TrimRight(trimmed[:tail[0]], " ") + " WHERE " + combined + " " + trimmed[tail[0]:] + suffix
	}
	return trimmed + " WHERE " + combined + suffix
}

// literal renders a context value as a safe SQL literal.
func literal(value interface{}) string {
	switch v := value.(type) {
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	case nil:
		return "NULL"
	case bool:
		if v {
			return "TRUE"
		}
		return "FALSE"
	default:
		return fmt.Sprintf("%v", v)
	}
}
