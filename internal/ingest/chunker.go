package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/fyrsmithlabs/dialogd/internal/config"
)

// newSplitter builds the recursive splitter used for all documents.
// Separator order prefers paragraph breaks, then lines, then sentence
// boundaries, before falling back to a hard character cap.
func newSplitter(cfg config.IngestConfig) textsplitter.RecursiveCharacter {
	return textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(cfg.ChunkSize),
		textsplitter.WithChunkOverlap(cfg.ChunkOverlap),
		textsplitter.WithSeparators([]string{"\n\n", "\n", ". ", " ", ""}),
	)
}

// normalizeChunk lowercases the text and collapses all whitespace runs to
// single spaces. Chunk identity must not depend on casing or formatting
// differences.
func normalizeChunk(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// fingerprint derives the stable identity of a chunk from its normalized
// text. Same content, same fingerprint, across documents and re-ingests.
func fingerprint(text string) string {
	sum := sha256.Sum256([]byte(normalizeChunk(text)))
	return hex.EncodeToString(sum[:])
}
