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

package connector

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/vpakspace/universal-agent-connector-sub000/shared/types"
)

// PostgresConnector implements Connector for PostgreSQL.
type PostgresConnector struct {
	config types.DatabaseConfig
	db     *sql.DB
	logger *log.Logger
}

// NewPostgres creates a new PostgreSQL connector instance.
func NewPostgres() *PostgresConnector {
	return &PostgresConnector{
		logger: log.New(os.Stdout, "[POSTGRES] ", log.LstdFlags),
	}
}

// Connect establishes a pooled connection to PostgreSQL.
func (c *PostgresConnector) Connect(ctx context.Context, config types.DatabaseConfig) error {
	sslMode := config.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s connect_timeout=%d",
		config.Host, config.Port, config.Database, config.Username, config.Password,
		sslMode, config.Timeouts.ConnectTimeoutS)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return NewConnectorError(types.EnginePostgres, "Connect", ErrConnection, "failed to open connection", err)
	}

	applyPoolSettings(db, config.Pooling)

	pingCtx, cancel := context.WithTimeout(ctx, config.Timeouts.ConnectTimeout())
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return NewConnectorError(types.EnginePostgres, "Connect", ErrConnection, "failed to ping database", err)
	}

	c.config = config
	c.db = db
	c.logger.Printf("Connected to PostgreSQL %s/%s (max_open=%d)", config.Host, config.Database,
		config.Pooling.MaxSize+config.Pooling.MaxOverflow)
	return nil
}

// Disconnect closes the database connection.
func (c *PostgresConnector) Disconnect(_ context.Context) error {
	if c.db == nil {
		return nil
	}
	if err := c.db.Close(); err != nil {
		return NewConnectorError(types.EnginePostgres, "Disconnect", ErrConnection, "failed to close connection", err)
	}
	c.db = nil
	return nil
}

// Ping verifies the connection and reports latency.
func (c *PostgresConnector) Ping(ctx context.Context) (time.Duration, error) {
	if c.db == nil {
		return 0, NewConnectorError(types.EnginePostgres, "Ping", ErrNotConnected, "database not connected", nil)
	}
	start := time.Now()
	if err := c.db.PingContext(ctx); err != nil {
		return time.Since(start), NewConnectorError(types.EnginePostgres, "Ping", ErrConnection, "ping failed", err)
	}
	return time.Since(start), nil
}

// Query executes a statement and returns rows plus column metadata.
func (c *PostgresConnector) Query(ctx context.Context, query *Query) (*QueryResult, error) {
	if c.db == nil {
		return nil, NewConnectorError(types.EnginePostgres, "Query", ErrNotConnected, "database not connected", nil)
	}

	statement, args, err := rewriteNamedParams(query.Statement, query.Parameters, func(n int) string {
		return fmt.Sprintf("$%d", n)
	})
	if err != nil {
		return nil, NewConnectorError(types.EnginePostgres, "Query", ErrBadStatement, err.Error(), nil)
	}

	timeout := query.Timeout
	if timeout == 0 {
		timeout = c.config.Timeouts.QueryTimeout()
	}
	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	rows, err := c.db.QueryContext(queryCtx, statement, args...)
	if err != nil {
		return nil, NewConnectorError(types.EnginePostgres, "Query", ErrQueryExecution, "query failed", err)
	}
	defer func() { _ = rows.Close() }()

	result, err := scanRows(rows)
	if err != nil {
		return nil, NewConnectorError(types.EnginePostgres, "Query", ErrQueryExecution, "failed to scan rows", err)
	}
	result.Duration = time.Since(start)
	return result, nil
}

// Engine identifies the backing engine.
func (c *PostgresConnector) Engine() types.DatabaseEngine {
	return types.EnginePostgres
}

// applyPoolSettings maps the agent's pooling config onto database/sql.
// max_size + max_overflow bounds total live connections; min_size keeps
// warm idle connections around.
func applyPoolSettings(db *sql.DB, pooling types.PoolingConfig) {
	db.SetMaxOpenConns(pooling.MaxSize + pooling.MaxOverflow)
	db.SetMaxIdleConns(pooling.MinSize)
	db.SetConnMaxIdleTime(5 * time.Minute)
}

// scanRows converts sql.Rows into the engine-agnostic QueryResult.
func scanRows(rows *sql.Rows) (*QueryResult, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := &QueryResult{Columns: columns, Rows: []map[string]interface{}{}}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		pointers := make([]interface{}, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, err
		}

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			// Drivers hand back []byte for text columns; normalize to string
			// so masking and caching see comparable values.
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result.RowCount = len(result.Rows)
	return result, nil
}
