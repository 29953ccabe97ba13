package query

import (
	"fmt"
	"strings"
)

const systemPrompt = `You are a helpful assistant answering questions about a knowledge base.
Answer using only the context below. Entities and relations summarize what
the documents say; passages quote them. If the context does not contain the
answer, say that you do not know. Do not make anything up.`

func buildPrompt(question string, fs []Fragment) (system, user string) {
	var b strings.Builder
	b.WriteString("---Context---\n")
	b.WriteString(renderContext(fs))
	b.WriteString("\n---Question---\n")
	b.WriteString(question)
	return systemPrompt, b.String()
}

// renderContext lists fragments grouped by kind, each numbered in score
// order.
func renderContext(fs []Fragment) string {
	var b strings.Builder
	for _, k := range []struct {
		kind  Kind
		title string
	}{
		{KindEntity, "Entities"},
		{KindRelation, "Relations"},
		{KindChunk, "Passages"},
	} {
		first := true
		for i, f := range fs {
			if f.Kind != k.kind {
				continue
			}
			if first {
				fmt.Fprintf(&b, "## %s\n", k.title)
				first = false
			}
			fmt.Fprintf(&b, "[%d] %s\n", i+1, f.Text)
		}
	}
	return b.String()
}
