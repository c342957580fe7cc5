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

// Package metrics exposes Prometheus collectors for the query
// pipeline. All metrics are registered on the default registry and
// served by the gateway's /metrics handler.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	queriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_connector_queries_total",
			Help: "Total number of queries processed, by final status",
		},
		[]string{"status"},
	)
	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agent_connector_stage_duration_milliseconds",
			Help:    "Pipeline stage duration in milliseconds",
			Buckets: []float64{1, 5, 10, 50, 100, 200, 500, 1000, 2000, 5000, 10000},
		},
		[]string{"stage"},
	)
	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_connector_cache_lookups_total",
			Help: "Query cache lookups, by outcome (hit or miss)",
		},
		[]string{"outcome"},
	)
	providerFailovers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_connector_provider_failovers_total",
			Help: "AI provider failover attempts, by provider and result",
		},
		[]string{"provider", "result"},
	)
	approvalQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_connector_approval_queue_depth",
			Help: "Number of queries currently pending approval",
		},
	)
	poolAcquireWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agent_connector_pool_acquire_wait_milliseconds",
			Help:    "Time spent waiting to acquire a pooled connector",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		},
	)
)

func init() {
	prometheus.MustRegister(queriesTotal)
	prometheus.MustRegister(stageDuration)
	prometheus.MustRegister(cacheLookups)
	prometheus.MustRegister(providerFailovers)
	prometheus.MustRegister(approvalQueueDepth)
	prometheus.MustRegister(poolAcquireWait)
}

// RecordQuery counts one finished query by final status
// (done, pending_approval, error).
func RecordQuery(status string) {
	queriesTotal.WithLabelValues(status).Inc()
}

// RecordStage observes one pipeline stage duration.
func RecordStage(stage string, d time.Duration) {
	stageDuration.WithLabelValues(stage).Observe(float64(d.Milliseconds()))
}

// RecordCacheLookup counts a cache hit or miss.
func RecordCacheLookup(hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	cacheLookups.WithLabelValues(outcome).Inc()
}

// RecordFailoverAttempt counts one provider attempt inside the
// failover chain.
func RecordFailoverAttempt(provider string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	providerFailovers.WithLabelValues(provider, result).Inc()
}

// SetApprovalQueueDepth updates the pending-approval gauge.
func SetApprovalQueueDepth(depth int) {
	approvalQueueDepth.Set(float64(depth))
}

// RecordPoolAcquireWait observes time spent waiting on the pool.
func RecordPoolAcquireWait(d time.Duration) {
	poolAcquireWait.Observe(float64(d.Milliseconds()))
}
