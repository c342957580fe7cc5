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

// Package vault encrypts connection secrets at rest and manages staged
// credential rotation with rollback.
//
// Values are encrypted with AES-256-GCM under a process-wide master key.
// Ciphertext carries the "enc:v1:" prefix; values without the prefix are
// treated as legacy plaintext and returned unchanged on decrypt, so
// configs written before encryption was introduced keep working.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// CiphertextPrefix marks vault-encrypted values.
const CiphertextPrefix = "enc:v1:"

// Vault error codes.
const (
	ErrVaultEmptyInput    = "vault_empty_input"
	ErrVaultDecryptFailed = "vault_decrypt_failed"
	ErrVaultBadKey        = "vault_bad_key"
)

// VaultError represents an encryption or decryption failure.
type VaultError struct {
	Code    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *VaultError) Error() string {
	return fmt.Sprintf("vault error (%s): %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *VaultError) Unwrap() error {
	return e.Cause
}

// Vault provides symmetric encryption of credential material under a
// process-wide master key. Safe for concurrent use.
type Vault struct {
	aead cipher.AEAD
}

// New creates a Vault from a master key string. The key is stretched to
// 256 bits with SHA-256, so any non-empty passphrase is accepted.
func New(masterKey string) (*Vault, error) {
	if masterKey == "" {
		return nil, &VaultError{Code: ErrVaultBadKey, Message: "master key cannot be empty"}
	}

	key := sha256.Sum256([]byte(masterKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, &VaultError{Code: ErrVaultBadKey, Message: "failed to initialize cipher", Cause: err}
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &VaultError{Code: ErrVaultBadKey, Message: "failed to initialize GCM", Cause: err}
	}

	return &Vault{aead: aead}, nil
}

// Encrypt encrypts a value and returns prefixed base64 ciphertext.
// Empty input is rejected, not encrypted to an empty ciphertext.
func (v *Vault) Encrypt(value string) (string, error) {
	if value == "" {
		return "", &VaultError{Code: ErrVaultEmptyInput, Message: "cannot encrypt empty value"}
	}

	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", &VaultError{Code: ErrVaultDecryptFailed, Message: "failed to generate nonce", Cause: err}
	}

	sealed := v.aead.Seal(nonce, nonce, []byte(value), nil)
	return CiphertextPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt decrypts a vault ciphertext. Values without the ciphertext
// prefix are legacy plaintext and are returned unchanged.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if !strings.HasPrefix(ciphertext, CiphertextPrefix) {
		// Legacy unencrypted config - pass through for backward compatibility.
		return ciphertext, nil
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, CiphertextPrefix))
	if err != nil {
		return "", &VaultError{Code: ErrVaultDecryptFailed, Message: "malformed ciphertext encoding", Cause: err}
	}

	nonceSize := v.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", &VaultError{Code: ErrVaultDecryptFailed, Message: "ciphertext shorter than nonce"}
	}

	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plain, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", &VaultError{Code: ErrVaultDecryptFailed, Message: "decryption failed: wrong key or tampered ciphertext", Cause: err}
	}

	return string(plain), nil
}

// IsEncrypted reports whether a value carries the vault ciphertext prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, CiphertextPrefix)
}
