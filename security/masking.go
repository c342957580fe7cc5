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
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MaskMode selects how a sensitive column value is redacted.
type MaskMode string

const (
	// MaskFull replaces the whole value with a constant mask.
	MaskFull MaskMode = "full"
	// MaskPartial keeps the last four characters, masks the rest.
	MaskPartial MaskMode = "partial"
	// MaskHash replaces the value with a deterministic one-way hash so
	// equal inputs stay equal after masking.
	MaskHash MaskMode = "hash"
)

const (
	fullMaskToken     = "****"
	partialKeepSuffix = 4
	hashTokenLength   = 16
)

// MaskingRule redacts values of columns whose name contains the
// pattern, case-insensitively. AgentID of "" makes the rule global;
// agent-specific rules win over global ones for the same column.
type MaskingRule struct {
	ID            string   `json:"id"`
	AgentID       string   `json:"agent_id,omitempty"`
	ColumnPattern string   `json:"column_pattern"`
	Mode          MaskMode `json:"mode"`
	Enabled       bool     `json:"enabled"`
}

// ColumnMaskingEngine applies masking rules to result rows after
// execution. It never mutates the rows it is given. Safe for
// concurrent use.
type ColumnMaskingEngine struct {
	rules map[string]*MaskingRule
	mu    sync.RWMutex
}

// NewColumnMaskingEngine creates an engine with no rules.
func NewColumnMaskingEngine() *ColumnMaskingEngine {
	return &ColumnMaskingEngine{rules: make(map[string]*MaskingRule)}
}

// AddRule registers a rule and returns its ID.
func (e *ColumnMaskingEngine) AddRule(rule MaskingRule) string {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[rule.ID] = &rule
	return rule.ID
}

// RemoveRule deletes a rule. Removing an unknown ID is a no-op.
func (e *ColumnMaskingEngine) RemoveRule(ruleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rules, ruleID)
}

// Mask returns a new result set with every matching column redacted.
// The caller's rows are left untouched; non-string values and columns
// with no matching rule pass through unchanged.
func (e *ColumnMaskingEngine) Mask(rows []map[string]interface{}, columns []string, agentID string) []map[string]interface{} {
	modes := e.columnModes(columns, agentID)
	if len(modes) == 0 && rows != nil {
		// Still copy: callers must be free to mutate the returned set.
		out := make([]map[string]interface{}, len(rows))
		for i, row := range rows {
			out[i] = copyRow(row)
		}
		return out
	}

	out := make([]map[string]interface{}, len(rows))
	for i, row := range rows {
		masked := copyRow(row)
		for column, mode := range modes {
			value, ok := masked[column]
			if !ok {
				continue
			}
			s, isString := value.(string)
			if !isString {
				continue
			}
			masked[column] = maskValue(s, mode)
		}
		out[i] = masked
	}
	return out
}

// columnModes resolves the effective mask mode per column. Rules are
// walked in sorted ID order; an agent-specific rule always overrides a
// global one.
func (e *ColumnMaskingEngine) columnModes(columns []string, agentID string) map[string]MaskMode {
	e.mu.RLock()
	rules := make([]*MaskingRule, 0, len(e.rules))
	for _, rule := range e.rules {
		rules = append(rules, rule)
	}
	e.mu.RUnlock()
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })

	modes := make(map[string]MaskMode)
	agentMatched := make(map[string]bool)
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if rule.AgentID != "" && rule.AgentID != agentID {
			continue
		}
		pattern := strings.ToLower(rule.ColumnPattern)
		for _, column := range columns {
			if !strings.Contains(strings.ToLower(column), pattern) {
				continue
			}
			if rule.AgentID == "" && agentMatched[column] {
				continue
			}
			if rule.AgentID != "" {
				agentMatched[column] = true
				modes[column] = rule.Mode
			} else if _, exists := modes[column]; !exists {
				modes[column] = rule.Mode
			}
		}
	}
	return modes
}

// maskValue redacts one string value under a mode.
func maskValue(value string, mode MaskMode) string {
	switch mode {
	case MaskPartial:
		if len(value) <= partialKeepSuffix {
			return fullMaskToken
		}
		return strings.Repeat("*", len(value)-partialKeepSuffix) + value[len(value)-partialKeepSuffix:]
	case MaskHash:
		sum := sha256.Sum256([]byte(value))
		return hex.EncodeToString(sum[:])[:hashTokenLength]
	default:
		return fullMaskToken
	}
}

func copyRow(row map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
