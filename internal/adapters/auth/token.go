package auth

import "crypto/subtle"

// KeyAuth validates the api_key query parameter of privileged endpoints
// against the configured keys.
type KeyAuth struct {
	keys [][]byte
}

// NewKeyAuth creates a KeyAuth. Empty keys are ignored.
func NewKeyAuth(keys ...string) *KeyAuth {
	a := &KeyAuth{}
	for _, k := range keys {
		if k != "" {
			a.keys = append(a.keys, []byte(k))
		}
	}
	return a
}

// ValidateToken returns true if token matches a configured key.
func (a *KeyAuth) ValidateToken(token string) bool {
	if token == "" {
		return false
	}
	ok := false
	for _, k := range a.keys {
		if subtle.ConstantTimeCompare(k, []byte(token)) == 1 {
			ok = true
		}
	}
	return ok
}
