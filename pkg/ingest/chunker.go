// Package ingest turns uploaded files into persisted documents: it validates
// the upload, extracts text, splits it into position-tagged chunks, and
// writes the resulting document record.
package ingest

import "docuchat/pkg/domain"

// DefaultChunkSize is the chunk window in characters.
const DefaultChunkSize = 1200

// Page estimation heuristic: ~5 characters per word, ~300 words per page.
const (
	charsPerWord = 5
	wordsPerPage = 300
)

// EstimatePage converts a character offset into a 1-based page estimate.
// Display only; nothing downstream relies on it for correctness.
func EstimatePage(offset int) int {
	if offset < 0 {
		offset = 0
	}
	return offset/(charsPerWord*wordsPerPage) + 1
}

// ChunkText splits text into consecutive non-overlapping windows of size
// characters (the final window may be shorter). Chunk offsets exactly
// partition [0, len(text)) in runes: no gaps, no overlaps. Empty text yields
// no chunks.
func ChunkText(text, filename string, size int) []domain.Chunk {
	if size <= 0 {
		size = DefaultChunkSize
	}
	runes := []rune(text)
	total := len(runes)
	if total == 0 {
		return nil
	}
	chunks := make([]domain.Chunk, 0, total/size+1)
	for start := 0; start < total; start += size {
		end := start + size
		if end > total {
			end = total
		}
		chunks = append(chunks, domain.Chunk{
			Index: len(chunks),
			Text:  string(runes[start:end]),
			Source: domain.ChunkSource{
				Filename: filename,
				Page:     EstimatePage(start),
				Start:    start,
				End:      end,
			},
		})
	}
	return chunks
}
