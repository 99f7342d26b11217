// Package sign holds the request-signing primitives shared by the venue
// adapters: the HMAC families used by the CEX-style APIs and the
// keccak/secp256k1 flow used by the wallet-authenticated venues.
package sign

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
)

// HMACSHA256Hex returns the lowercase hex HMAC-SHA256 of payload.
func HMACSHA256Hex(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// HMACSHA256Base64 returns the base64 HMAC-SHA256 of payload.
func HMACSHA256Base64(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// HMACSHA512Hex returns the lowercase hex HMAC-SHA512 of payload.
func HMACSHA512Hex(secret, payload string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// SHA512Hex returns the lowercase hex SHA-512 digest of body. Gate hashes
// the request body into the signing payload even when the body is empty.
func SHA512Hex(body string) string {
	sum := sha512.Sum512([]byte(body))
	return hex.EncodeToString(sum[:])
}
