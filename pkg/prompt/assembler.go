package prompt

import (
	"fmt"
	"strings"

	"docuchat/pkg/domain"
)

// Mode selects the shape and budget of the assembled prompt.
type Mode int

const (
	// ModeQuestion answers a user question against document excerpts.
	ModeQuestion Mode = iota
	// ModeSummary asks for a brief summary instead of an answer.
	ModeSummary
	// ModeMinimal is the degraded fallback: one short excerpt per
	// document and the bare question. Never used as the first attempt.
	ModeMinimal
)

const (
	// MaxDocuments caps how many documents contribute to any prompt.
	MaxDocuments = 5

	questionChunksPerDoc = 4
	questionChunkCap     = 500
	summaryChunksPerDoc  = 5
	summaryChunkCap      = 400
	minimalChunkCap      = 200

	questionPreamble = "Answer the question concisely using only the document excerpts below. If the excerpts do not contain the answer, say so."
	summaryPreamble  = "Write a brief summary of the document excerpts below."

	separator = "\n---\n"
)

// MaxChars is the upper bound on a full question-mode prompt: the excerpt
// budget plus fixed overhead for labels, separators, preamble, and the
// question itself.
const MaxChars = MaxDocuments*questionChunksPerDoc*questionChunkCap + 2000

// Build assembles a prompt from the given documents and question. Document
// order is preserved as given; chunk selection is purely positional, the
// first K chunks of each document. Documents beyond MaxDocuments are
// ignored.
func Build(docs []domain.Document, question string, mode Mode) string {
	if len(docs) > MaxDocuments {
		docs = docs[:MaxDocuments]
	}
	chunksPerDoc, chunkCap := questionChunksPerDoc, questionChunkCap
	switch mode {
	case ModeSummary:
		chunksPerDoc, chunkCap = summaryChunksPerDoc, summaryChunkCap
	case ModeMinimal:
		chunksPerDoc, chunkCap = 1, minimalChunkCap
	}

	var b strings.Builder
	for i, doc := range docs {
		if i > 0 {
			b.WriteString(separator)
		}
		fmt.Fprintf(&b, "Doc %d (%s):\n", i+1, doc.OriginalFilename)
		chunks := doc.Chunks
		if len(chunks) > chunksPerDoc {
			chunks = chunks[:chunksPerDoc]
		}
		for j, chunk := range chunks {
			if j > 0 {
				b.WriteString("\n")
			}
			b.WriteString(truncate(chunk.Text, chunkCap))
		}
	}
	if mode != ModeSummary {
		b.WriteString(separator)
		b.WriteString("Question: ")
		b.WriteString(question)
	}
	// The instruction comes last, after the excerpts and the question.
	switch mode {
	case ModeQuestion:
		b.WriteString(separator)
		b.WriteString(questionPreamble)
	case ModeSummary:
		b.WriteString(separator)
		b.WriteString(summaryPreamble)
	}
	return b.String()
}

// truncate cuts s to at most cap runes.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
