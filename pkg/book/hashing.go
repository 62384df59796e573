package book

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HashText returns the hex-encoded SHA-256 digest of text.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// BookHash computes the content hash for a whole normalized source text.
func BookHash(normalizedText string) string {
	return HashText(normalizedText)
}

// ChapterHash computes a chapter's content hash from its book's hash, its
// title, and its text. Including the book hash means two books containing an
// identical chapter still produce distinct chapter identities.
func ChapterHash(bookHash, title, text string) string {
	return HashText(fmt.Sprintf("%s::%s::%s", bookHash, title, text))
}
