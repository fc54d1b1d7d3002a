package rewards

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const checkDocument = "This is a test document. It is a test document. These sentences do not mean anything."

func TestChunkWordsInDocument(t *testing.T) {
	okChunks := []string{
		"This is a test document.",
		"It is a test document. These sentences do not",
	}
	for _, chunk := range okChunks {
		assert.True(t, ChunkWordsInDocument(chunk, checkDocument), chunk)
	}

	assert.False(t, ChunkWordsInDocument("This is a document.", checkDocument), "dropped word")
	assert.False(t, ChunkWordsInDocument("test a is This", checkDocument), "reordered words")
	assert.False(t, ChunkWordsInDocument("This is a fabricated test", checkDocument), "inserted word")
	assert.True(t, ChunkWordsInDocument("", checkDocument), "empty chunk has nothing to contradict")
}

func TestWordCountMatches(t *testing.T) {
	okChunks := []string{
		"This is a test document.",
		"It is a test document.",
		"These sentences do not mean anything.",
	}
	assert.True(t, WordCountMatches(checkDocument, okChunks))

	// Overlapping chunks duplicate words even though each chunk on its own
	// is a valid excerpt.
	badChunks := []string{
		"This is a test document. It is a test document. These sentences do not",
		"These sentences do not mean anything.",
	}
	for _, chunk := range badChunks {
		require.True(t, ChunkWordsInDocument(chunk, checkDocument))
	}
	assert.False(t, WordCountMatches(checkDocument, badChunks))

	assert.False(t, WordCountMatches(checkDocument, okChunks[:2]), "dropped chunk")
}

func TestEndsOnSentenceBoundary(t *testing.T) {
	splitter, err := NewSentenceSplitter()
	require.NoError(t, err)

	documentSentences := splitter.Split(checkDocument)
	require.Len(t, documentSentences, 3)

	assert.True(t, EndsOnSentenceBoundary(documentSentences, "This is a test document."))
	assert.True(t, EndsOnSentenceBoundary(documentSentences, "This is a test document. It is a test document."))
	assert.True(t, EndsOnSentenceBoundary(documentSentences, checkDocument))

	assert.False(t, EndsOnSentenceBoundary(documentSentences, "This is a test"))
	assert.False(t, EndsOnSentenceBoundary(documentSentences, "These sentences do not"))
	// ending inside a sentence's tail is not a boundary
	assert.False(t, EndsOnSentenceBoundary(documentSentences, "sentences do not mean anything."[0:17]))
}

func TestWords(t *testing.T) {
	assert.Equal(t, []string{"a", "b.", "c"}, Words("  a\tb.\nc "))
	assert.Empty(t, Words("   "))
}
