package rewards

import "strings"

// ChunkWordsInDocument reports whether the chunk's words appear, in order, as
// a contiguous run of the document's words. Reordered, inserted or dropped
// words inside a chunk fail the check.
func ChunkWordsInDocument(chunk, document string) bool {
	chunkJoined := strings.Join(Words(chunk), " ")
	if chunkJoined == "" {
		return true
	}
	docJoined := strings.Join(Words(document), " ")
	return strings.Contains(" "+docJoined+" ", " "+chunkJoined+" ")
}

// WordCountMatches reports whether the chunks' words, concatenated in input
// order, reproduce the document's word sequence exactly. Dropped, duplicated
// or invented chunks fail the check even when each chunk passes
// ChunkWordsInDocument on its own.
func WordCountMatches(document string, chunks []string) bool {
	docWords := Words(document)
	combined := make([]string, 0, len(docWords))
	for _, chunk := range chunks {
		combined = append(combined, Words(chunk)...)
	}
	if len(combined) != len(docWords) {
		return false
	}
	for i := range docWords {
		if combined[i] != docWords[i] {
			return false
		}
	}
	return true
}

// EndsOnSentenceBoundary reports whether the chunk ends exactly where one of
// the document's sentences ends. A chunk cut mid-sentence has no document
// sentence as a suffix.
func EndsOnSentenceBoundary(documentSentences []string, chunk string) bool {
	trimmed := strings.TrimSpace(chunk)
	for _, sentence := range documentSentences {
		if strings.HasSuffix(trimmed, sentence) {
			return true
		}
	}
	return false
}
