package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// APIKeyHeader carries the MEXC API key on signed requests.
const APIKeyHeader = "X-MEXC-APIKEY"

// DefaultRecvWindow is the validity window sent with signed requests.
const DefaultRecvWindow = 5 * time.Second

// HMACAuth holds the credentials for HMAC-signed MEXC REST requests.
type HMACAuth struct {
	Key    string // API key
	Secret string // API secret, used raw as the HMAC key
}

// Sign returns the lowercase hex HMAC-SHA256 of payload.
func (h *HMACAuth) Sign(payload string) string {
	return hmacSHA256Hex([]byte(h.Secret), payload)
}

// SignedQuery adds timestamp and recvWindow to params and returns the
// encoded query with the signature appended as the last parameter. The
// signature covers the query exactly as encoded.
func (h *HMACAuth) SignedQuery(params url.Values, now time.Time, recvWindow time.Duration) string {
	return h.SignedQueryAt(params, now.UnixMilli(), recvWindow)
}

// SignedQueryAt is like SignedQuery with an explicit millisecond timestamp.
func (h *HMACAuth) SignedQueryAt(params url.Values, unixMilli int64, recvWindow time.Duration) string {
	q := url.Values{}
	for k, v := range params {
		q[k] = append([]string(nil), v...)
	}
	if recvWindow <= 0 {
		recvWindow = DefaultRecvWindow
	}
	q.Set("timestamp", strconv.FormatInt(unixMilli, 10))
	q.Set("recvWindow", strconv.FormatInt(recvWindow.Milliseconds(), 10))

	encoded := q.Encode()
	return encoded + "&signature=" + h.Sign(encoded)
}

// Headers returns the headers for a signed request.
func (h *HMACAuth) Headers() map[string]string {
	return map[string]string{
		APIKeyHeader:   h.Key,
		"Content-Type": "application/json",
	}
}

func hmacSHA256Hex(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", Redact(h.Key), Redact(h.Secret))
}

// Redact keeps the first four characters of s.
func Redact(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}
