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

package registry

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenIssuer issues and verifies HS256 agent tokens for the gateway
// surface. The subject claim carries the agent ID.
type TokenIssuer struct {
	secret   []byte
	issuer   string
	registry *AgentRegistry
}

// NewTokenIssuer creates a TokenIssuer bound to the registry so token
// verification also confirms the agent still exists and is enabled.
func NewTokenIssuer(secret string, registry *AgentRegistry) (*TokenIssuer, error) {
	if secret == "" {
		return nil, fmt.Errorf("token secret cannot be empty")
	}
	return &TokenIssuer{
		secret:   []byte(secret),
		issuer:   "agent-connector",
		registry: registry,
	}, nil
}

// Issue creates a signed token for an agent with the given lifetime.
func (t *TokenIssuer) Issue(agentID string, ttl time.Duration) (string, error) {
	if _, err := t.registry.GetActive(agentID); err != nil {
		return "", err
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    t.issuer,
		Subject:   agentID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Verify parses and validates a token, returning the agent ID it was
// issued for. Tokens of disabled or deleted agents are rejected.
func (t *TokenIssuer) Verify(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithIssuer(t.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("invalid agent token: %w", err)
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("invalid agent token: missing subject")
	}

	if _, err := t.registry.GetActive(claims.Subject); err != nil {
		return "", fmt.Errorf("invalid agent token: %w", err)
	}
	return claims.Subject, nil
}
