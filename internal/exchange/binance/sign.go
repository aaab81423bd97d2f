package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Credentials signs request query strings with the account's API secret.
type Credentials struct {
	apiKey string
	secret string
}

func NewCredentials(apiKey, secret string) Credentials {
	return Credentials{
		apiKey: strings.TrimSpace(apiKey),
		secret: strings.TrimSpace(secret),
	}
}

func (c Credentials) APIKey() string { return c.apiKey }

func (c Credentials) Empty() bool { return c.apiKey == "" || c.secret == "" }

// Sign returns the hex HMAC-SHA256 signature of the encoded query string.
func (c Credentials) Sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}
