package gateways

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
)

func hmacSHA256(secret string, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

// verifyHexHMAC compares a hex encoded HMAC-SHA256 of body in constant time.
func verifyHexHMAC(secret string, body []byte, signature string) error {
	if secret == "" || signature == "" {
		return ErrInvalidSignature
	}
	expected := hex.EncodeToString(hmacSHA256(secret, body))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// verifyBase64HMAC compares a base64 encoded HMAC-SHA256 of timestamp+body.
func verifyBase64HMAC(secret, timestamp string, body []byte, signature string) error {
	if secret == "" || timestamp == "" || signature == "" {
		return ErrInvalidSignature
	}
	expected := base64.StdEncoding.EncodeToString(hmacSHA256(secret, []byte(timestamp), body))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// verifyBasicDigest checks a header carrying hex(SHA256("user:password")).
func verifyBasicDigest(username, password, header string) error {
	if username == "" || password == "" || header == "" {
		return ErrInvalidSignature
	}
	sum := sha256.Sum256([]byte(username + ":" + password))
	expected := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(expected), []byte(header)) != 1 {
		return ErrInvalidSignature
	}
	return nil
}
