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

	_ "github.com/go-sql-driver/mysql" // MySQL driver

	"github.com/vpakspace/universal-agent-connector-sub000/shared/types"
)

// MySQLConnector implements Connector for MySQL.
type MySQLConnector struct {
	config types.DatabaseConfig
	db     *sql.DB
	logger *log.Logger
}

// NewMySQL creates a new MySQL connector instance.
func NewMySQL() *MySQLConnector {
	return &MySQLConnector{
		logger: log.New(os.Stdout, "[MYSQL] ", log.LstdFlags),
	}
}

// Connect establishes a pooled connection to MySQL.
func (c *MySQLConnector) Connect(ctx context.Context, config types.DatabaseConfig) error {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?timeout=%ds&readTimeout=%ds&writeTimeout=%ds&parseTime=true",
		config.Username, config.Password, config.Host, config.Port, config.Database,
		config.Timeouts.ConnectTimeoutS, config.Timeouts.ReadTimeoutS, config.Timeouts.WriteTimeoutS)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return NewConnectorError(types.EngineMySQL, "Connect", ErrConnection, "failed to open connection", err)
	}

	applyPoolSettings(db, config.Pooling)

	pingCtx, cancel := context.WithTimeout(ctx, config.Timeouts.ConnectTimeout())
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return NewConnectorError(types.EngineMySQL, "Connect", ErrConnection, "failed to ping database", err)
	}

	c.config = config
	c.db = db
	c.logger.Printf("Connected to MySQL %s/%s (max_open=%d)", config.Host, config.Database,
		config.Pooling.MaxSize+config.Pooling.MaxOverflow)
	return nil
}

// Disconnect closes the database connection.
func (c *MySQLConnector) Disconnect(_ context.Context) error {
	if c.db == nil {
		return nil
	}
	if err := c.db.Close(); err != nil {
		return NewConnectorError(types.EngineMySQL, "Disconnect", ErrConnection, "failed to close connection", err)
	}
	c.db = nil
	return nil
}

// Ping verifies the connection and reports latency.
func (c *MySQLConnector) Ping(ctx context.Context) (time.Duration, error) {
	if c.db == nil {
		return 0, NewConnectorError(types.EngineMySQL, "Ping", ErrNotConnected, "database not connected", nil)
	}
	start := time.Now()
	if err := c.db.PingContext(ctx); err != nil {
		return time.Since(start), NewConnectorError(types.EngineMySQL, "Ping", ErrConnection, "ping failed", err)
	}
	return time.Since(start), nil
}

// Query executes a statement and returns rows plus column metadata.
func (c *MySQLConnector) Query(ctx context.Context, query *Query) (*QueryResult, error) {
	if c.db == nil {
		return nil, NewConnectorError(types.EngineMySQL, "Query", ErrNotConnected, "database not connected", nil)
	}

	statement, args, err := rewriteNamedParams(query.Statement, query.Parameters, func(int) string {
		return "?"
	})
	if err != nil {
		return nil, NewConnectorError(types.EngineMySQL, "Query", ErrBadStatement, err.Error(), nil)
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
		return nil, NewConnectorError(types.EngineMySQL, "Query", ErrQueryExecution, "query failed", err)
	}
	defer func() { _ = rows.Close() }()

	result, err := scanRows(rows)
	if err != nil {
		return nil, NewConnectorError(types.EngineMySQL, "Query", ErrQueryExecution, "failed to scan rows", err)
	}
	result.Duration = time.Since(start)
	return result, nil
}

// Engine identifies the backing engine.
func (c *MySQLConnector) Engine() types.DatabaseEngine {
	return types.EngineMySQL
}
