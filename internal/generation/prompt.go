package generation

import (
	"fmt"
	"strings"

	"github.com/datamind/control-plane/pkg/models"
)

// PromptVersion identifies the prompt template below. It is hashed into every
// provenance record, so bump it whenever the template changes.
const PromptVersion = "analyst-v3"

const defaultSystemPrompt = `You are DataMind, a data analytics assistant.
Answer only from the numbered context chunks provided.
After every factual sentence, cite the chunk it came from as [chunk:<id>].
Show your reasoning step by step before the final answer.
If the context does not contain the answer, say that the data is insufficient.`

// ChunkCitation formats the citation label of a chunk.
func ChunkCitation(id string) string {
	return "[chunk:" + id + "]"
}

// RenderPrompt builds the user message: labelled context chunks, the query and
// any additional instructions.
func RenderPrompt(q models.Query, chunks []models.Chunk, instructions []string) string {
	var b strings.Builder
	if len(chunks) > 0 {
		b.WriteString("Context:\n")
		for _, c := range chunks {
			fmt.Fprintf(&b, "%s (ingested %s)\n%s\n\n", ChunkCitation(c.ID), c.IngestedAt.Format("2006-01-02"), c.Content)
		}
	}
	b.WriteString("Question: ")
	b.WriteString(q.Text)
	if len(instructions) > 0 {
		b.WriteString("\n\nInstructions:\n")
		for _, in := range instructions {
			b.WriteString("- ")
			b.WriteString(in)
			b.WriteString("\n")
		}
	}
	return b.String()
}
