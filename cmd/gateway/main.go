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

// Package main is the entry point for the agent connector gateway.
//
// The gateway fronts the governed query pipeline: agents register with
// encrypted credentials, submit natural-language queries, and receive
// governed, masked results.
//
// Usage:
//
//	./gateway
//
// Environment Variables:
//
//	CONFIG_PATH - path to the YAML config file (default: gateway.yaml)
//	VAULT_MASTER_KEY - master key for the credential vault
//	AGENT_TOKEN_SECRET - signing secret for agent JWTs
//	AWS_REGION - enables the Secrets Manager API key resolver
package main

import (
	"github.com/vpakspace/universal-agent-connector-sub000/gateway"
)

func main() {
	gateway.Run()
}
