package rewards

import (
	"fmt"
	"strings"

	"github.com/neurosnap/sentences"
	"github.com/neurosnap/sentences/english"
)

// Words splits text into whitespace-delimited tokens. Both documents and
// chunks go through the same split, so the structural checks compare like
// with like.
func Words(text string) []string {
	return strings.Fields(text)
}

// SentenceSplitter segments text into sentences.
type SentenceSplitter interface {
	Split(text string) []string
}

type punktSplitter struct {
	tokenizer *sentences.DefaultSentenceTokenizer
}

// NewSentenceSplitter returns a splitter backed by the trained English
// sentence tokenizer, the same segmentation workers are expected to respect.
func NewSentenceSplitter() (SentenceSplitter, error) {
	tokenizer, err := english.NewSentenceTokenizer(nil)
	if err != nil {
		return nil, fmt.Errorf("could not load english sentence tokenizer: %w", err)
	}
	return &punktSplitter{tokenizer: tokenizer}, nil
}

func (p *punktSplitter) Split(text string) []string {
	raw := p.tokenizer.Tokenize(text)
	out := make([]string, 0, len(raw))
	for _, sentence := range raw {
		trimmed := strings.TrimSpace(sentence.Text)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
