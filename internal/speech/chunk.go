package speech

import (
	"regexp"
	"strings"
)

// Chunk is one sentence-bounded slice of a reply. Index is the chunk's
// position in the reply and the only thing playback ordering depends on.
type Chunk struct {
	Index int
	Text  string

	// Audio holds the encoded synthesis result. Nil until synthesized.
	Audio []byte
}

// sentenceRE matches a run of text followed by one or more terminal marks.
var sentenceRE = regexp.MustCompile(`[^.!?]+[.!?]+`)

const (
	// targetWordsPerChunk sizes chunks when the text has no sentence marks.
	targetWordsPerChunk = 20
	// minWordsPerChunk keeps word-split chunks from getting too short to
	// sound natural.
	minWordsPerChunk = 10
)

// SplitIntoChunks splits text into chunks of at most maxSentences sentences.
// Terminal punctuation is kept, and trailing text without punctuation becomes
// a final sentence. Text with no sentence marks at all is split into roughly
// even runs of words instead. A non-empty text never yields an empty result.
func SplitIntoChunks(text string, maxSentences int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if maxSentences <= 0 {
		maxSentences = DefaultMaxSentencesPerChunk
	}

	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return splitWords(text)
	}

	chunks := make([]string, 0, (len(sentences)+maxSentences-1)/maxSentences)
	for i := 0; i < len(sentences); i += maxSentences {
		end := min(i+maxSentences, len(sentences))
		chunks = append(chunks, strings.Join(sentences[i:end], " "))
	}
	return chunks
}

// splitSentences returns the trimmed sentences of text, or nil if text holds
// no terminal punctuation.
func splitSentences(text string) []string {
	locs := sentenceRE.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}
	sentences := make([]string, 0, len(locs)+1)
	for _, loc := range locs {
		if s := strings.TrimSpace(text[loc[0]:loc[1]]); s != "" {
			sentences = append(sentences, s)
		}
	}
	if rest := strings.TrimSpace(text[locs[len(locs)-1][1]:]); rest != "" {
		sentences = append(sentences, rest)
	}
	return sentences
}

// splitWords groups words into ceil(n/20) roughly even chunks of at least
// ten words each.
func splitWords(text string) []string {
	words := strings.Fields(text)
	n := len(words)
	groups := ceilDiv(n, targetWordsPerChunk)
	per := max(minWordsPerChunk, ceilDiv(n, groups))

	chunks := make([]string, 0, ceilDiv(n, per))
	for i := 0; i < n; i += per {
		end := min(i+per, n)
		chunks = append(chunks, strings.Join(words[i:end], " "))
	}
	return chunks
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
