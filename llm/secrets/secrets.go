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

// Package secrets resolves provider API keys stored in AWS Secrets
// Manager. Provider configs carry an api_key_secret_arn in production
// deployments instead of an inline key; this resolver fetches and
// caches the key with a TTL.
package secrets

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretsClient abstracts the Secrets Manager API (enables testing).
type SecretsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Resolver fetches secret values with a TTL cache.
type Resolver struct {
	client SecretsClient
	cache  map[string]*cacheEntry
	ttl    time.Duration
	logger *log.Logger
	mu     sync.RWMutex
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// Options holds options for creating a Resolver.
type Options struct {
	Region   string
	CacheTTL time.Duration
	Logger   *log.Logger
	Client   SecretsClient
}

// NewResolver creates a Secrets Manager resolver.
func NewResolver(ctx context.Context, opts Options) (*Resolver, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[SECRETS] ", log.LstdFlags)
	}

	client := opts.Client
	if client == nil {
		cfgOpts := []func(*awsconfig.LoadOptions) error{}
		if opts.Region != "" {
			cfgOpts = append(cfgOpts, awsconfig.WithRegion(opts.Region))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, cfgOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = secretsmanager.NewFromConfig(cfg)
	}

	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &Resolver{
		client: client,
		cache:  make(map[string]*cacheEntry),
		ttl:    ttl,
		logger: logger,
	}, nil
}

// Resolve returns the secret string for an ARN, serving cached values
// inside the TTL window.
func (r *Resolver) Resolve(ctx context.Context, secretARN string) (string, error) {
	if secretARN == "" {
		return "", fmt.Errorf("secret ARN cannot be empty")
	}

	r.mu.RLock()
	entry, exists := r.cache[secretARN]
	r.mu.RUnlock()
	if exists && time.Now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	output, err := r.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretARN),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", maskARN(secretARN), err)
	}
	if output.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", maskARN(secretARN))
	}

	r.mu.Lock()
	r.cache[secretARN] = &cacheEntry{
		value:     *output.SecretString,
		expiresAt: time.Now().Add(r.ttl),
	}
	r.mu.Unlock()

	r.logger.Printf("Resolved secret %s", maskARN(secretARN))
	return *output.SecretString, nil
}

// Invalidate drops a cached secret so the next Resolve refetches it.
func (r *Resolver) Invalidate(secretARN string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, secretARN)
}

// maskARN keeps only the trailing secret name segment for logging.
func maskARN(arn string) string {
	parts := strings.Split(arn, ":")
	if len(parts) < 2 {
		return "***"
	}
	return "***:" + parts[len(parts)-1]
}
