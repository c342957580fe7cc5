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
Package types holds the domain types shared across the connector
gateway: agents, database configuration, pooling and timeout settings,
and the permission model.

The registry, pool, connectors, and pipeline all build on these types,
so they live here rather than in any one of those packages. Types are
plain values; concurrency control belongs to the components that store
them.
*/
package types
