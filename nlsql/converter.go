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

// Package nlsql turns natural-language requests into SQL. Resolution
// order per request: approved pattern match, then an explicitly named
// template, then LLM generation via the provider failover chain.
// Cheaper and safer options always precede the LLM call, and the
// conversion source is reported alongside the SQL for transparency.
package nlsql

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/vpakspace/universal-agent-connector-sub000/llm"
)

// ConversionSource identifies which mechanism produced the SQL.
type ConversionSource string

const (
	SourceApprovedPattern ConversionSource = "approved_pattern"
	SourceTemplate        ConversionSource = "template"
	SourceLLM             ConversionSource = "llm"
)

// Conversion error codes.
const (
	ErrNoSchemaContext  = "conversion_no_schema_context"
	ErrTemplateNotFound = "conversion_template_not_found"
	ErrBadTemplate      = "conversion_bad_template"
)

// ConversionError represents a conversion failure independent of the
// provider layer.
type ConversionError struct {
	AgentID string
	Code    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ConversionError) Error() string {
	return fmt.Sprintf("conversion error for agent %q (%s): %s", e.AgentID, e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConversionError) Unwrap() error {
	return e.Cause
}

// ApprovedPattern is a vetted NL-to-SQL mapping. A request matches when
// every keyword appears in the text, case-insensitively. Disabled
// patterns never match.
type ApprovedPattern struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Keywords    []string `json:"keywords"`
	SQLTemplate string   `json:"sql_template"`
	Enabled     bool     `json:"enabled"`
}

// Template is a saved query template the caller can name explicitly.
type Template struct {
	Name        string `json:"name"`
	SQLTemplate string `json:"sql_template"`
}

// SchemaProvider supplies the schema context for LLM prompts.
type SchemaProvider interface {
	SchemaContext(ctx context.Context, agentID string) (string, error)
}

// SchemaProviderFunc adapts a function to the SchemaProvider interface.
type SchemaProviderFunc func(ctx context.Context, agentID string) (string, error)

// SchemaContext implements SchemaProvider.
func (f SchemaProviderFunc) SchemaContext(ctx context.Context, agentID string) (string, error) {
	return f(ctx, agentID)
}

// Request is one conversion request.
type Request struct {
	AgentID      string                 `json:"agent_id"`
	Text         string                 `json:"text"`
	TemplateName string                 `json:"template_name,omitempty"`
	Params       map[string]interface{} `json:"params,omitempty"`
}

// Conversion is the outcome: the SQL plus where it came from.
type Conversion struct {
	SQL    string           `json:"sql"`
	Source ConversionSource `json:"conversion_source"`
}

// Converter resolves natural language to SQL.
// Safe for concurrent use.
type Converter struct {
	patterns  map[string]*ApprovedPattern
	templates map[string]*Template
	failover  *llm.FailoverManager
	schema    SchemaProvider
	mu        sync.RWMutex
}

// NewConverter creates a Converter using the given failover manager and
// schema provider.
func NewConverter(failover *llm.FailoverManager, schema SchemaProvider) *Converter {
	return &Converter{
		patterns:  make(map[string]*ApprovedPattern),
		templates: make(map[string]*Template),
		failover:  failover,
		schema:    schema,
	}
}

// AddPattern registers an approved pattern and returns its ID.
func (c *Converter) AddPattern(pattern ApprovedPattern) string {
	if pattern.ID == "" {
		pattern.ID = uuid.New().String()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.patterns[pattern.ID] = &pattern
	return pattern.ID
}

// SetPatternEnabled toggles a pattern. Unknown IDs report not found.
func (c *Converter) SetPatternEnabled(patternID string, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.patterns[patternID]
	if !ok {
		return fmt.Errorf("approved pattern %q not found", patternID)
	}
	p.Enabled = enabled
	return nil
}

// AddTemplate registers a named template, replacing any previous one.
func (c *Converter) AddTemplate(template Template) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.templates[template.Name] = &template
}

// Convert resolves a request to SQL. The LLM is only consulted when no
// approved pattern matches and no template was named.
func (c *Converter) Convert(ctx context.Context, req Request) (*Conversion, error) {
	if pattern := c.matchPattern(req.Text); pattern != nil {
		sql, err := renderTemplate(pattern.SQLTemplate, req.Params)
		if err != nil {
			return nil, &ConversionError{AgentID: req.AgentID, Code: ErrBadTemplate, Message: err.Error(), Cause: err}
		}
		return &Conversion{SQL: sql, Source: SourceApprovedPattern}, nil
	}

	if req.TemplateName != "" {
		c.mu.RLock()
		template, ok := c.templates[req.TemplateName]
		c.mu.RUnlock()
		if !ok {
			return nil, &ConversionError{AgentID: req.AgentID, Code: ErrTemplateNotFound, Message: fmt.Sprintf("template %q not found", req.TemplateName)}
		}
		sql, err := renderTemplate(template.SQLTemplate, req.Params)
		if err != nil {
			return nil, &ConversionError{AgentID: req.AgentID, Code: ErrBadTemplate, Message: err.Error(), Cause: err}
		}
		return &Conversion{SQL: sql, Source: SourceTemplate}, nil
	}

	return c.generate(ctx, req)
}

// matchPattern returns the first enabled pattern whose keywords all
// appear in the text. Patterns are checked in a stable order.
func (c *Converter) matchPattern(text string) *ApprovedPattern {
	lowered := strings.ToLower(text)

	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.patterns))
	for id := range c.patterns {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		pattern := c.patterns[id]
		if !pattern.Enabled || len(pattern.Keywords) == 0 {
			continue
		}
		matched := true
		for _, keyword := range pattern.Keywords {
			if !strings.Contains(lowered, strings.ToLower(keyword)) {
				matched = false
				break
			}
		}
		if matched {
			return pattern
		}
	}
	return nil
}

// generate produces SQL via the provider failover chain.
func (c *Converter) generate(ctx context.Context, req Request) (*Conversion, error) {
	schemaContext, err := c.schema.SchemaContext(ctx, req.AgentID)
	if err != nil {
		return nil, &ConversionError{AgentID: req.AgentID, Code: ErrNoSchemaContext, Message: "failed to load schema context", Cause: err}
	}
	if schemaContext == "" {
		return nil, &ConversionError{AgentID: req.AgentID, Code: ErrNoSchemaContext, Message: "no database schema context available"}
	}

	var sql string
	err = c.failover.ExecuteWithFailover(ctx, req.AgentID, func(ctx context.Context, p llm.Provider) error {
		generated, genErr := p.GenerateSQL(ctx, req.Text, schemaContext)
		if genErr != nil {
			return genErr
		}
		sql = generated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Conversion{SQL: sql, Source: SourceLLM}, nil
}

// placeholderPattern matches {name} placeholders in SQL templates.
var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// renderTemplate substitutes {name} placeholders with escaped literal
// values in a single pass over the template. Values are never spliced
// in raw and never re-scanned, so braces inside a value stay literal;
// strings are quoted with embedded quotes doubled.
func renderTemplate(template string, params map[string]interface{}) (string, error) {
	var missing string
	result := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[1 : len(match)-1]
		value, ok := params[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return match
		}
		return escapeLiteral(value)
	})
	if missing != "" {
		return "", fmt.Errorf("template references parameter %q with no bound value", missing)
	}
	return result, nil
}

// escapeLiteral renders a parameter as a safe SQL literal.
func escapeLiteral(value interface{}) string {
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
