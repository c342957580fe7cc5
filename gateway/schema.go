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

package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vpakspace/universal-agent-connector-sub000/connector"
	"github.com/vpakspace/universal-agent-connector-sub000/pool"
	"github.com/vpakspace/universal-agent-connector-sub000/registry"
	"github.com/vpakspace/universal-agent-connector-sub000/shared/types"
)

const schemaCacheTTL = 5 * time.Minute

const postgresSchemaQuery = `SELECT table_name, column_name, data_type
FROM information_schema.columns
WHERE table_schema = 'public'
ORDER BY table_name, ordinal_position`

const mysqlSchemaQuery = `SELECT table_name, column_name, data_type
FROM information_schema.columns
WHERE table_schema = DATABASE()
ORDER BY table_name, ordinal_position`

// PoolSchemaProvider introspects an agent's database through its
// connection pool and renders the schema as LLM prompt context. Results
// are cached per agent; schemas rarely change mid-session.
type PoolSchemaProvider struct {
	pool     *pool.ConnectionPool
	registry *registry.AgentRegistry

	mu    sync.Mutex
	cache map[string]schemaCacheEntry
}

type schemaCacheEntry struct {
	context   string
	expiresAt time.Time
}

// NewPoolSchemaProvider creates a PoolSchemaProvider.
func NewPoolSchemaProvider(p *pool.ConnectionPool, reg *registry.AgentRegistry) *PoolSchemaProvider {
	return &PoolSchemaProvider{
		pool:     p,
		registry: reg,
		cache:    make(map[string]schemaCacheEntry),
	}
}

// SchemaContext implements nlsql.SchemaProvider.
func (s *PoolSchemaProvider) SchemaContext(ctx context.Context, agentID string) (string, error) {
	s.mu.Lock()
	entry, ok := s.cache[agentID]
	s.mu.Unlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.context, nil
	}

	rendered, err := s.introspect(ctx, agentID)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.cache[agentID] = schemaCacheEntry{context: rendered, expiresAt: time.Now().Add(schemaCacheTTL)}
	s.mu.Unlock()
	return rendered, nil
}

// Invalidate drops the cached schema so the next conversion re-reads it.
func (s *PoolSchemaProvider) Invalidate(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, agentID)
}

func (s *PoolSchemaProvider) introspect(ctx context.Context, agentID string) (string, error) {
	config, err := s.registry.GetDatabaseConfig(agentID)
	if err != nil {
		return "", err
	}

	var statement string
	switch config.Engine {
	case types.EnginePostgres:
		statement = postgresSchemaQuery
	case types.EngineMySQL:
		statement = mysqlSchemaQuery
	default:
		return "", fmt.Errorf("schema introspection is not supported for engine %q", config.Engine)
	}

	pc, err := s.pool.Acquire(ctx, agentID)
	if err != nil {
		return "", err
	}
	defer s.pool.Release(ctx, pc)

	result, err := pc.Query(ctx, &connector.Query{
		Statement: statement,
		Timeout:   time.Duration(config.Timeouts.QueryTimeoutS) * time.Second,
	})
	if err != nil {
		pc.MarkErrored()
		return "", err
	}
	return renderSchema(result.Rows), nil
}

// renderSchema groups column rows into one "TABLE name (col type, ...)"
// line per table.
func renderSchema(rows []map[string]interface{}) string {
	columns := make(map[string][]string)
	for _, row := range rows {
		table := asString(row["table_name"])
		if table == "" {
			continue
		}
		columns[table] = append(columns[table], fmt.Sprintf("%s %s", asString(row["column_name"]), asString(row["data_type"])))
	}

	tables := make([]string, 0, len(columns))
	for table := range columns {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	lines := make([]string, 0, len(tables))
	for _, table := range tables {
		lines = append(lines, fmt.Sprintf("TABLE %s (%s)", table, strings.Join(columns[table], ", ")))
	}
	return strings.Join(lines, "\n")
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return ""
	}
}
