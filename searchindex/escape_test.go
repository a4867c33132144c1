// Copyright (C) 2025 Docmap Authors.
// See LICENSE for copying information.

package searchindex_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/docmapper/docmap/searchindex"
)

func TestEscape(t *testing.T) {
	require.Equal(t, "plain", searchindex.Escape("plain"))
	require.Equal(t, `ada\@example\.test`, searchindex.Escape("ada@example.test"))
	require.Equal(t, `a\ b`, searchindex.Escape("a b"))
	require.Equal(t, `\{tag\}`, searchindex.Escape("{tag}"))
	require.Equal(t, `semi\:colon\;`, searchindex.Escape("semi:colon;"))
	require.Equal(t, "", searchindex.Escape(""))

	// multibyte runes pass through untouched
	require.Equal(t, "héllo", searchindex.Escape("héllo"))
}
