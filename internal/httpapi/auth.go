package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// verifyWebhookSignature checks the voice-AI provider's webhook signature
// header, of the form "t=<unix-seconds>,v0=<hex-hmac>". The digest is
// HMAC-SHA256(secret, "{t}.{rawBody}"). Stale timestamps are rejected even
// with a valid digest to bound replay.
func verifyWebhookSignature(secret, header string, body []byte, now time.Time, maxAge time.Duration) *authError {
	if strings.TrimSpace(secret) == "" {
		return &authError{status: 500, code: "misconfigured", message: "webhook secret not configured"}
	}
	timestamp, signature, ok := parseSignatureHeader(header)
	if !ok {
		return &authError{status: 401, code: "unauthorized", message: "missing or malformed signature header"}
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return &authError{status: 401, code: "unauthorized", message: "invalid signature timestamp"}
	}
	if now.Sub(time.Unix(ts, 0)) > maxAge {
		return &authError{status: 401, code: "unauthorized", message: "signature timestamp outside replay window"}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	expectedHex := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expectedHex)) {
		return &authError{status: 401, code: "unauthorized", message: "signature mismatch"}
	}
	return nil
}

func parseSignatureHeader(header string) (timestamp, signature string, ok bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", "", false
	}
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v0":
			signature = value
		}
	}
	if timestamp == "" || signature == "" {
		return "", "", false
	}
	return timestamp, signature, true
}
