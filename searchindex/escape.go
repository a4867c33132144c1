// Copyright (C) 2025 Docmap Authors.
// See LICENSE for copying information.

package searchindex

import (
	"strings"
)

// tokenized characters that must be escaped inside a search query term.
const specials = `,.<>{}[]"':;!@#$%^&*()-+=~/ `

// Escape backslash-escapes every character the query tokenizer treats
// specially, so a literal value can be matched verbatim.
func Escape(term string) string {
	var builder strings.Builder
	builder.Grow(len(term))
	for _, r := range term {
		if r < 128 && strings.ContainsRune(specials, r) {
			builder.WriteByte('\\')
		}
		builder.WriteRune(r)
	}
	return builder.String()
}
