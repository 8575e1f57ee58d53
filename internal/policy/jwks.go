package policy

import (
	"crypto/ed25519"
	"encoding/json"

	"github.com/go-jose/go-jose/v4"
)

// JWKS publishes the policy verification key so devices and operators can
// pin it out of band.
func (s *Signer) JWKS() ([]byte, error) {
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       s.PublicKey(),
		KeyID:     s.keyID,
		Algorithm: string(jose.EdDSA),
		Use:       "sig",
	}}}
	return json.Marshal(set)
}

// KeyFromJWKS returns the Ed25519 key with the given id from a JWK set.
func KeyFromJWKS(data []byte, kid string) (ed25519.PublicKey, error) {
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, err
	}
	for _, k := range set.Key(kid) {
		if pub, ok := k.Key.(ed25519.PublicKey); ok {
			return pub, nil
		}
	}
	return nil, ErrKeyMismatch
}
