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
	"log"
	"os"

	"github.com/vpakspace/universal-agent-connector-sub000/approval"
	"github.com/vpakspace/universal-agent-connector-sub000/cache"
	"github.com/vpakspace/universal-agent-connector-sub000/config"
	"github.com/vpakspace/universal-agent-connector-sub000/connector"
	"github.com/vpakspace/universal-agent-connector-sub000/llm"
	"github.com/vpakspace/universal-agent-connector-sub000/llm/secrets"
	"github.com/vpakspace/universal-agent-connector-sub000/nlsql"
	"github.com/vpakspace/universal-agent-connector-sub000/pipeline"
	"github.com/vpakspace/universal-agent-connector-sub000/pool"
	"github.com/vpakspace/universal-agent-connector-sub000/registry"
	"github.com/vpakspace/universal-agent-connector-sub000/security"
	"github.com/vpakspace/universal-agent-connector-sub000/trace"
	"github.com/vpakspace/universal-agent-connector-sub000/vault"
)

// Run wires the full gateway from configuration and serves HTTP until
// the process exits.
func Run() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "gateway.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()

	v, err := vault.New(cfg.Vault.MasterKey)
	if err != nil {
		log.Fatalf("Failed to initialize vault: %v", err)
	}
	rotation := vault.NewRotationManager(connector.NewTester(connector.New))
	reg := registry.New(v, rotation)

	connPool := pool.New(rotation, pool.WithIdleTimeout(cfg.Pool.IdleTimeout()))
	if interval := cfg.Pool.ReclaimInterval(); interval > 0 {
		connPool.StartReclaimLoop(ctx, interval)
	}

	fm := llm.NewFailoverManager()
	var resolver *secrets.Resolver
	if region := os.Getenv("AWS_REGION"); region != "" {
		resolver, err = secrets.NewResolver(ctx, secrets.Options{Region: region})
		if err != nil {
			log.Fatalf("Failed to initialize secrets resolver: %v", err)
		}
	}
	bootstrap := NewProviderBootstrap(fm, resolver)

	conv := nlsql.NewConverter(fm, NewPoolSchemaProvider(connPool, reg))

	var store cache.Store
	if cfg.Cache.RedisURL != "" {
		redisStore, err := cache.NewRedisStore(cfg.Cache.RedisURL)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		store = redisStore
		log.Printf("Query cache backed by Redis")
	} else {
		store = cache.NewMemoryStore(cfg.Cache.MemoryCapacity)
		log.Printf("Query cache backed by memory (capacity %d)", cfg.Cache.MemoryCapacity)
	}

	cacheOpts := []cache.Option{cache.WithTTLSource(reg)}
	if ttl := cfg.Cache.DefaultTTL(); ttl > 0 {
		cacheOpts = append(cacheOpts, cache.WithDefaultTTL(ttl))
	}
	queryCache := cache.New(store, cacheOpts...)
	if interval := cfg.Cache.SweepInterval(); interval > 0 {
		queryCache.StartSweepLoop(ctx, interval)
	}

	p := pipeline.New(pipeline.Config{
		Registry:  reg,
		Pool:      connPool,
		Converter: conv,
		RLS:       security.NewRowLevelSecurityEngine(),
		Validator: security.NewQueryComplexityValidator(),
		Masker:    security.NewColumnMaskingEngine(),
		Approvals: approval.NewQueue(),
		Cache:     queryCache,
		Tracer:    trace.NewTracer(cfg.Trace.Capacity),
	})

	issuer, err := registry.NewTokenIssuer(cfg.Registry.TokenSecret, reg)
	if err != nil {
		log.Fatalf("Failed to initialize token issuer: %v", err)
	}

	srv := NewServer(Options{
		Pipeline:  p,
		Registry:  reg,
		Tokens:    issuer,
		TokenTTL:  cfg.Registry.TokenTTL(),
		Providers: bootstrap,
		Pool:      connPool,
	})

	if err := srv.ListenAndServe(cfg.Listen); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
