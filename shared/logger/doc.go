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

/*
Package logger provides structured JSON logging with per-agent
attribution for the connector gateway.

Log entries are written to stdout as single-line JSON, ready for
CloudWatch, ELK, or any other aggregation system. Every entry carries
the component name, instance ID, container name, agent ID, and an
optional request ID for correlation.

Create a logger for your component:

	log := logger.New("pipeline")

Log with agent and request context:

	log.Info("agent-123", "req-456", "Query executed", map[string]interface{}{
	    "row_count": 42,
	})

Pipeline errors carry the stage they originated from:

	log.ErrorWithStage("agent-123", "req-456", "Conversion failed",
	    "sql_generation", err, nil)

The logger reads INSTANCE_ID from the environment and the container
name from the hostname. Logger instances are safe for concurrent use.
*/
package logger
