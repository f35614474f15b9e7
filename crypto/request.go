package crypto

import (
	"strconv"
	"strings"
)

// RequestPayload is the byte string an owner signs to authorise an HTTP
// request: METHOD, path, unix timestamp, nonce and body joined by newlines.
// The nonce makes every signed request single-use.
func RequestPayload(method, path string, timestamp int64, nonce string, body []byte) []byte {
	var b strings.Builder
	b.Grow(len(method) + len(path) + len(nonce) + len(body) + 24)
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('\n')
	b.WriteString(path)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(timestamp, 10))
	b.WriteByte('\n')
	b.WriteString(nonce)
	b.WriteByte('\n')
	b.Write(body)
	return []byte(b.String())
}

// SignRequest signs the request payload with key.
func SignRequest(key *PrivateKey, method, path string, timestamp int64, nonce string, body []byte) ([]byte, error) {
	return key.Sign(RequestPayload(method, path, timestamp, nonce, body))
}
