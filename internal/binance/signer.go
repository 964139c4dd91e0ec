package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Signer produces the HMAC-SHA256 signature Binance expects on
// SIGNED endpoints.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

func (s *Signer) Sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignQuery appends the signature parameter to an encoded query string.
func (s *Signer) SignQuery(query string) string {
	sig := s.Sign(query)
	if query == "" {
		return "signature=" + sig
	}
	return query + "&signature=" + sig
}
