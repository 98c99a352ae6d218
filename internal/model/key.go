package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// CacheKey addresses a cache entry and a progress record independently of
// the attachment's display name.
type CacheKey string

// String returns the key as a plain string.
func (k CacheKey) String() string {
	return string(k)
}

// DeriveKey computes the cache key for an attachment of a message.
// Both identifiers are length-prefixed before hashing so that no pair of
// distinct inputs can encode to the same byte sequence.
func DeriveKey(messageID, attachmentID string) CacheKey {
	h := sha256.New()
	h.Write([]byte(strconv.Itoa(len(messageID))))
	h.Write([]byte{':'})
	h.Write([]byte(messageID))
	h.Write([]byte(strconv.Itoa(len(attachmentID))))
	h.Write([]byte{':'})
	h.Write([]byte(attachmentID))

	return CacheKey(hex.EncodeToString(h.Sum(nil)))
}

// DeriveURLKey computes the cache key for an attachment that carries no
// identifiers and is known only by its download URL. The "url:" prefix can
// never start a DeriveKey encoding, which begins with a decimal length.
func DeriveURLKey(rawURL string) CacheKey {
	h := sha256.New()
	h.Write([]byte("url:"))
	h.Write([]byte(rawURL))

	return CacheKey(hex.EncodeToString(h.Sum(nil)))
}
