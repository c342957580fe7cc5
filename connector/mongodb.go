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
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/vpakspace/universal-agent-connector-sub000/shared/types"
)

// MongoConnector implements Connector for MongoDB. The governed pipeline
// is SQL-first; for document stores the Query statement names the
// collection and the parameters form the find filter.
type MongoConnector struct {
	config types.DatabaseConfig
	client *mongo.Client
	logger *log.Logger
}

// NewMongoDB creates a new MongoDB connector instance.
func NewMongoDB() *MongoConnector {
	return &MongoConnector{
		logger: log.New(os.Stdout, "[MONGODB] ", log.LstdFlags),
	}
}

// Connect establishes a connection to MongoDB.
func (c *MongoConnector) Connect(ctx context.Context, config types.DatabaseConfig) error {
	uri := fmt.Sprintf("mongodb://%s:%s@%s:%d/%s",
		config.Username, config.Password, config.Host, config.Port, config.Database)

	opts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(config.Timeouts.ConnectTimeout()).
		SetMaxPoolSize(uint64(config.Pooling.MaxSize + config.Pooling.MaxOverflow)).
		SetMinPoolSize(uint64(config.Pooling.MinSize))

	connectCtx, cancel := context.WithTimeout(ctx, config.Timeouts.ConnectTimeout())
	defer cancel()

	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return NewConnectorError(types.EngineMongoDB, "Connect", ErrConnection, "failed to connect", err)
	}

	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return NewConnectorError(types.EngineMongoDB, "Connect", ErrConnection, "failed to ping", err)
	}

	c.config = config
	c.client = client
	c.logger.Printf("Connected to MongoDB %s/%s", config.Host, config.Database)
	return nil
}

// Disconnect closes the client.
func (c *MongoConnector) Disconnect(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	if err := c.client.Disconnect(ctx); err != nil {
		return NewConnectorError(types.EngineMongoDB, "Disconnect", ErrConnection, "failed to disconnect", err)
	}
	c.client = nil
	return nil
}

// Ping verifies the connection and reports latency.
func (c *MongoConnector) Ping(ctx context.Context) (time.Duration, error) {
	if c.client == nil {
		return 0, NewConnectorError(types.EngineMongoDB, "Ping", ErrNotConnected, "client not connected", nil)
	}
	start := time.Now()
	if err := c.client.Ping(ctx, readpref.Primary()); err != nil {
		return time.Since(start), NewConnectorError(types.EngineMongoDB, "Ping", ErrConnection, "ping failed", err)
	}
	return time.Since(start), nil
}

// Query runs a find against the collection named by the statement, using
// the parameters as the filter document.
func (c *MongoConnector) Query(ctx context.Context, query *Query) (*QueryResult, error) {
	if c.client == nil {
		return nil, NewConnectorError(types.EngineMongoDB, "Query", ErrNotConnected, "client not connected", nil)
	}
	if query.Statement == "" {
		return nil, NewConnectorError(types.EngineMongoDB, "Query", ErrBadStatement, "collection name is required", nil)
	}

	timeout := query.Timeout
	if timeout == 0 {
		timeout = c.config.Timeouts.QueryTimeout()
	}
	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	filter := bson.M{}
	for k, v := range query.Parameters {
		filter[k] = v
	}

	start := time.Now()
	collection := c.client.Database(c.config.Database).Collection(query.Statement)
	cursor, err := collection.Find(queryCtx, filter)
	if err != nil {
		return nil, NewConnectorError(types.EngineMongoDB, "Query", ErrQueryExecution, "find failed", err)
	}
	defer func() { _ = cursor.Close(queryCtx) }()

	result := &QueryResult{Rows: []map[string]interface{}{}}
	columnSet := make(map[string]bool)
	for cursor.Next(queryCtx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, NewConnectorError(types.EngineMongoDB, "Query", ErrQueryExecution, "failed to decode document", err)
		}
		row := make(map[string]interface{}, len(doc))
		for k, v := range doc {
			row[k] = v
			columnSet[k] = true
		}
		result.Rows = append(result.Rows, row)
	}
	if err := cursor.Err(); err != nil {
		return nil, NewConnectorError(types.EngineMongoDB, "Query", ErrQueryExecution, "cursor error", err)
	}

	for col := range columnSet {
		result.Columns = append(result.Columns, col)
	}
	sort.Strings(result.Columns)
	result.RowCount = len(result.Rows)
	result.Duration = time.Since(start)
	return result, nil
}

// Engine identifies the backing engine.
func (c *MongoConnector) Engine() types.DatabaseEngine {
	return types.EngineMongoDB
}
