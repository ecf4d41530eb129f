package keys

import (
	"encoding/base64"
	"math/big"
)

// JWK is the public half of a signing key in JSON Web Key form.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSet is the published key set document.
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// PublicJWK converts the public key to its JWK representation.
func (k *SigningKeyPair) PublicJWK() JWK {
	return JWK{
		Kty: "RSA",
		Use: "sig",
		Kid: k.ID,
		Alg: k.Algorithm,
		N:   base64.RawURLEncoding.EncodeToString(k.PublicKey.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(k.PublicKey.E)).Bytes()),
	}
}

func buildJWKS(keys []*SigningKeyPair) JWKSet {
	set := JWKSet{Keys: make([]JWK, 0, len(keys))}
	for _, k := range keys {
		if k == nil || k.PublicKey == nil {
			continue
		}
		set.Keys = append(set.Keys, k.PublicJWK())
	}
	return set
}
