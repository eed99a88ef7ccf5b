package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/google/uuid"
)

// ChunkNamespace is the UUID namespace for chunk identifiers. Changing it
// changes every stored id.
var ChunkNamespace = uuid.MustParse("6f1c2a5e-3b7d-5c4e-9a8f-0d2e4b6c8a10")

// ChunkID returns the version-5 UUID for the chunk at chunkIndex of uri.
func ChunkID(uri string, chunkIndex int) string {
	name := uri + "#" + strconv.Itoa(chunkIndex)
	return uuid.NewSHA1(ChunkNamespace, []byte(name)).String()
}

// Checksum returns the hex SHA-256 of text.
func Checksum(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
