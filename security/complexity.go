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

package security

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// RiskLevel classifies a statement's risk.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Score weights. The score is additive so adding joins, tables, or a
// forbidden verb can only raise it, never lower it.
const (
	scorePerJoin        = 10
	scorePerTable       = 5
	scoreUnboundedWrite = 40
	scoreForbiddenVerb  = 100
)

// ComplexityLimits are per-agent validation limits. Zero values fall
// back to the system defaults.
type ComplexityLimits struct {
	MaxJoinDepth   int      `json:"max_join_depth"`
	MaxTables      int      `json:"max_tables"`
	ForbiddenVerbs []string `json:"forbidden_verbs"`
}

// DefaultComplexityLimits returns the system default limits.
func DefaultComplexityLimits() ComplexityLimits {
	return ComplexityLimits{
		MaxJoinDepth:   3,
		MaxTables:      5,
		ForbiddenVerbs: []string{"DROP", "TRUNCATE", "ALTER", "GRANT", "REVOKE"},
	}
}

// ValidationResult is the outcome of scoring one statement.
type ValidationResult struct {
	RiskLevel        RiskLevel `json:"risk_level"`
	ComplexityScore  int       `json:"complexity_score"`
	RequiresApproval bool      `json:"requires_approval"`
	Reasons          []string  `json:"reasons"`
}

var (
	joinPattern = regexp.MustCompile(`(?i)\bjoin\b`)

	// unboundedDeletePattern and unboundedUpdatePattern flag write
	// statements with no WHERE clause at all.
	deletePattern = regexp.MustCompile(`(?i)^\s*delete\s+from\b`)
	updatePattern = regexp.MustCompile(`(?i)^\s*update\b`)
)

// QueryComplexityValidator scores SQL statements against per-agent
// limits. Safe for concurrent use.
type QueryComplexityValidator struct {
	limits   map[string]ComplexityLimits
	defaults ComplexityLimits
	mu       sync.RWMutex
}

// NewQueryComplexityValidator creates a validator with system defaults.
func NewQueryComplexityValidator() *QueryComplexityValidator {
	return &QueryComplexityValidator{
		limits:   make(map[string]ComplexityLimits),
		defaults: DefaultComplexityLimits(),
	}
}

// SetLimits overrides the limits for one agent. Zero fields inherit the
// system defaults.
func (v *QueryComplexityValidator) SetLimits(agentID string, limits ComplexityLimits) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.limits[agentID] = limits
}

// LimitsFor returns the effective limits for an agent.
func (v *QueryComplexityValidator) LimitsFor(agentID string) ComplexityLimits {
	v.mu.RLock()
	configured, ok := v.limits[agentID]
	v.mu.RUnlock()
	if !ok {
		return v.defaults
	}
	if configured.MaxJoinDepth <= 0 {
		configured.MaxJoinDepth = v.defaults.MaxJoinDepth
	}
	if configured.MaxTables <= 0 {
		configured.MaxTables = v.defaults.MaxTables
	}
	if configured.ForbiddenVerbs == nil {
		configured.ForbiddenVerbs = v.defaults.ForbiddenVerbs
	}
	return configured
}

// Validate scores a statement. Any forbidden verb makes the result
// critical regardless of other factors; critical and high results
// require approval.
func (v *QueryComplexityValidator) Validate(sql, agentID string) ValidationResult {
	limits := v.LimitsFor(agentID)

	joinCount := len(joinPattern.FindAllString(sql, -1))
	tableCount := len(referencedTables(sql))
	unboundedWrite := (deletePattern.MatchString(sql) || updatePattern.MatchString(sql)) &&
		!wherePattern.MatchString(sql)
	forbidden := matchForbiddenVerb(sql, limits.ForbiddenVerbs)

	score := joinCount*scorePerJoin + tableCount*scorePerTable
	var reasons []string
	level := RiskLow

	if joinCount > 0 {
		level = RiskMedium
	}
	if joinCount > limits.MaxJoinDepth {
		level = RiskHigh
		reasons = append(reasons, fmt.Sprintf("join count %d exceeds limit %d", joinCount, limits.MaxJoinDepth))
	}
	if tableCount > limits.MaxTables {
		level = RiskHigh
		reasons = append(reasons, fmt.Sprintf("table count %d exceeds limit %d", tableCount, limits.MaxTables))
	}
	if unboundedWrite {
		score += scoreUnboundedWrite
		level = RiskHigh
		reasons = append(reasons, "unbounded DELETE/UPDATE without WHERE clause")
	}
	if forbidden != "" {
		score += scoreForbiddenVerb
		level = RiskCritical
		reasons = append(reasons, fmt.Sprintf("forbidden verb %s detected", forbidden))
	}

	return ValidationResult{
		RiskLevel:        level,
		ComplexityScore:  score,
		RequiresApproval: level == RiskHigh || level == RiskCritical,
		Reasons:          reasons,
	}
}

// matchForbiddenVerb returns the first forbidden verb present in the
// statement as a standalone word, or "".
func matchForbiddenVerb(sql string, verbs []string) string {
	upper := strings.ToUpper(sql)
	for _, verb := range verbs {
		pattern := regexp.MustCompile(`\b` + regexp.QuoteMeta(strings.ToUpper(verb)) + `\b`)
		if pattern.MatchString(upper) {
			return strings.ToUpper(verb)
		}
	}
	return ""
}
