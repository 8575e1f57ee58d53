package credential

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"

	"fieldgate.org/internal/errs"
)

// MinTokenSecret is the shortest accepted HMAC secret.
const MinTokenSecret = 32

// ErrSigningKeyUnavailable means the process cannot sign policies or tokens.
// Callers treat it as fatal at startup.
var ErrSigningKeyUnavailable = errs.New(errs.CodeSigningKeyUnavailable, "credential: signing key unavailable")

// Keyring holds the signing material used by the token issuer and the policy signer.
type Keyring struct {
	PolicyKeyID string
	PolicyKey   ed25519.PrivateKey
	TokenSecret []byte
}

// PolicyPublicKey returns the verification half of the policy key.
func (k *Keyring) PolicyPublicKey() ed25519.PublicKey {
	return k.PolicyKey.Public().(ed25519.PublicKey)
}

// LoadKeyring parses a PKCS#8 PEM Ed25519 key and a token secret given
// either as base64 or raw text.
func LoadKeyring(policyKeyPEM, tokenSecret string) (*Keyring, error) {
	policyKeyPEM = strings.TrimSpace(policyKeyPEM)
	if policyKeyPEM == "" {
		return nil, fmt.Errorf("%w: policy key missing", ErrSigningKeyUnavailable)
	}
	priv, err := ParsePolicyKey(policyKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningKeyUnavailable, err)
	}
	secret := decodeSecret(strings.TrimSpace(tokenSecret))
	if len(secret) < MinTokenSecret {
		return nil, fmt.Errorf("%w: token secret shorter than %d bytes", ErrSigningKeyUnavailable, MinTokenSecret)
	}
	return &Keyring{
		PolicyKeyID: KeyID(priv.Public().(ed25519.PublicKey)),
		PolicyKey:   priv,
		TokenSecret: secret,
	}, nil
}

// GenerateKeyring creates fresh signing material.
func GenerateKeyring() (*Keyring, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	secret := make([]byte, 48)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return &Keyring{PolicyKeyID: KeyID(pub), PolicyKey: priv, TokenSecret: secret}, nil
}

// KeyID derives a short stable identifier from a public key.
func KeyID(pub ed25519.PublicKey) string {
	sum := blake3.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

// EncodePolicyKey renders the private key as PKCS#8 PEM.
func EncodePolicyKey(priv ed25519.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// EncodePublicKey renders the public key as PKIX PEM.
func EncodePublicKey(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ParsePolicyKey decodes a PKCS#8 PEM Ed25519 private key.
func ParsePolicyKey(data string) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, fmt.Errorf("invalid PEM data")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("policy key is %T, want ed25519", key)
	}
	return priv, nil
}

// EncodeSecret renders a token secret for configuration files.
func EncodeSecret(secret []byte) string {
	return base64.StdEncoding.EncodeToString(secret)
}

func decodeSecret(s string) []byte {
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil && len(raw) >= MinTokenSecret {
		return raw
	}
	return []byte(s)
}
