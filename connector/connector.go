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

// Package connector defines the database capability boundary of the
// governed query pipeline and ships implementations for PostgreSQL,
// MySQL, and MongoDB behind one interface.
package connector

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/vpakspace/universal-agent-connector-sub000/shared/types"
)

// Connector is the capability interface the pipeline executes against.
// Implementations must be safe for concurrent use after Connect.
type Connector interface {
	// Connect establishes the underlying connection using the agent's
	// decrypted database config, applying its pooling and timeout settings.
	Connect(ctx context.Context, config types.DatabaseConfig) error

	// Disconnect closes the underlying connection.
	Disconnect(ctx context.Context) error

	// Ping verifies the connection and reports round-trip latency.
	Ping(ctx context.Context) (time.Duration, error)

	// Query executes a read statement and returns rows plus column metadata.
	Query(ctx context.Context, query *Query) (*QueryResult, error)

	// Engine identifies the backing database engine.
	Engine() types.DatabaseEngine
}

// Query represents one statement to execute. Parameters are named and
// referenced in the statement as :name; each implementation rewrites
// them to its engine's placeholder syntax.
type Query struct {
	Statement  string                 `json:"statement"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Timeout    time.Duration          `json:"timeout,omitempty"`
}

// QueryResult contains the rows and column metadata of a Query.
type QueryResult struct {
	Rows     []map[string]interface{} `json:"rows"`
	Columns  []string                 `json:"columns"`
	RowCount int                      `json:"row_count"`
	Duration time.Duration            `json:"duration"`
	Cached   bool                     `json:"cached"`
}

// Connector error codes.
const (
	ErrConnection     = "connection_error"
	ErrQueryExecution = "query_execution_error"
	ErrNotConnected   = "not_connected"
	ErrBadStatement   = "bad_statement"
)

// ConnectorError represents errors specific to connector operations.
type ConnectorError struct {
	Engine    types.DatabaseEngine
	Operation string
	Code      string
	Message   string
	Cause     error
}

// Error implements the error interface.
func (e *ConnectorError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s.%s: %s (cause: %v)", e.Engine, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s.%s: %s", e.Engine, e.Operation, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConnectorError) Unwrap() error {
	return e.Cause
}

// NewConnectorError creates a new ConnectorError.
func NewConnectorError(engine types.DatabaseEngine, operation, code, message string, cause error) *ConnectorError {
	return &ConnectorError{Engine: engine, Operation: operation, Code: code, Message: message, Cause: cause}
}

// Factory creates connectors by engine. The pipeline never names a
// concrete implementation; everything goes through here.
type Factory func(engine types.DatabaseEngine) (Connector, error)

// New is the default factory covering the built-in engines.
func New(engine types.DatabaseEngine) (Connector, error) {
	switch engine {
	case types.EnginePostgres:
		return NewPostgres(), nil
	case types.EngineMySQL:
		return NewMySQL(), nil
	case types.EngineMongoDB:
		return NewMongoDB(), nil
	default:
		return nil, fmt.Errorf("unsupported database engine: %q", engine)
	}
}

// namedParamPattern matches :name placeholders outside of obvious
// literals. Statements produced by the converter only ever use simple
// identifiers, so a conservative pattern is enough.
var namedParamPattern = regexp.MustCompile(`:([a-zA-Z_][a-zA-Z0-9_]*)`)

// rewriteNamedParams converts :name placeholders to engine placeholders
// and returns the ordered argument list. placeholder receives the
// 1-based ordinal of each parameter ("$1" for postgres, "?" for mysql).
func rewriteNamedParams(statement string, params map[string]interface{}, placeholder func(ordinal int) string) (string, []interface{}, error) {
	if len(params) == 0 {
		return statement, nil, nil
	}

	var args []interface{}
	var missing string
	rewritten := namedParamPattern.ReplaceAllStringFunc(statement, func(match string) string {
		name := match[1:]
		value, ok := params[name]
		if !ok {
			missing = name
			return match
		}
		args = append(args, value)
		return placeholder(len(args))
	})

	if missing != "" {
		return "", nil, fmt.Errorf("statement references parameter %q with no bound value", missing)
	}
	return rewritten, args, nil
}

// Tester validates credential bundles with a connector round trip. It
// satisfies the rotation manager's ConnectionTester contract.
type Tester struct {
	factory Factory
}

// NewTester creates a Tester using the given factory, or the default
// factory when nil.
func NewTester(factory Factory) *Tester {
	if factory == nil {
		factory = New
	}
	return &Tester{factory: factory}
}

// TestConnection connects, pings, and disconnects using the supplied
// config. Any failure means the credentials must not be staged.
func (t *Tester) TestConnection(ctx context.Context, config types.DatabaseConfig) error {
	conn, err := t.factory(config.Engine)
	if err != nil {
		return err
	}

	testCtx, cancel := context.WithTimeout(ctx, config.Timeouts.ConnectTimeout())
	defer cancel()

	if err := conn.Connect(testCtx, config); err != nil {
		return err
	}
	defer func() { _ = conn.Disconnect(context.Background()) }()

	if _, err := conn.Ping(testCtx); err != nil {
		return err
	}
	return nil
}
