package jwks

import (
	"encoding/json"
	"errors"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

// Key is a single verification key published by the identity provider.
type Key struct {
	KeyID     string
	Algorithm string
	KeyType   string

	public any
	err    error
}

// Public returns the parsed public key. It returns an error wrapping
// ErrKeyMaterial when the published material could not be parsed.
func (k *Key) Public() (any, error) {
	if k.err != nil {
		return nil, fmt.Errorf("%w: kid %q: %v", ErrKeyMaterial, k.KeyID, k.err)
	}
	return k.public, nil
}

// KeySet is an immutable snapshot of an issuer's published keys, indexed by
// key id.
type KeySet struct {
	keys map[string]*Key
}

// Lookup returns the key registered under kid.
func (s *KeySet) Lookup(kid string) (*Key, bool) {
	k, ok := s.keys[kid]
	return k, ok
}

// Len reports the number of keys in the set.
func (s *KeySet) Len() int { return len(s.keys) }

type keyHeader struct {
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Kty string `json:"kty"`
	Use string `json:"use"`
}

// ParseKeySet decodes a JWKS document. Entries without a kid and encryption
// keys are skipped. Material that fails to parse is recorded against its kid
// and reported when that key is used, so one bad entry does not invalidate
// the rest of the set. Duplicate kids make the document invalid.
func ParseKeySet(data []byte) (*KeySet, error) {
	var doc struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}
	if doc.Keys == nil {
		return nil, errors.New("decode jwks: missing keys array")
	}

	set := &KeySet{keys: make(map[string]*Key, len(doc.Keys))}
	for i, raw := range doc.Keys {
		var hdr keyHeader
		if err := json.Unmarshal(raw, &hdr); err != nil {
			return nil, fmt.Errorf("decode jwks: key %d: %w", i, err)
		}
		if hdr.Kid == "" || hdr.Use == "enc" {
			continue
		}
		if _, dup := set.keys[hdr.Kid]; dup {
			return nil, fmt.Errorf("decode jwks: duplicate kid %q", hdr.Kid)
		}

		k := &Key{KeyID: hdr.Kid, Algorithm: hdr.Alg, KeyType: hdr.Kty}
		var jwk jose.JSONWebKey
		if err := jwk.UnmarshalJSON(raw); err != nil {
			k.err = err
		} else if !jwk.IsPublic() {
			k.err = errors.New("not an asymmetric public key")
		} else {
			k.public = jwk.Key
		}
		set.keys[hdr.Kid] = k
	}
	return set, nil
}
