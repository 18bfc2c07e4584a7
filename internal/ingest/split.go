package ingest

import (
	"strings"
	"unicode/utf8"
)

const (
	// DefaultChunkSize is the maximum chunk length in characters.
	DefaultChunkSize = 1000

	// DefaultChunkOverlap is how many trailing characters of a chunk are
	// repeated at the start of the next one.
	DefaultChunkOverlap = 200
)

// DefaultSeparators are tried in order: paragraphs, lines, sentence ends,
// words. Text that none of them can break is split between characters.
var DefaultSeparators = []string{"\n\n", "\n", ".", "!", "?", " "}

// Splitter cuts text into overlapping chunks of at most Size characters. It
// splits on the coarsest separator present and only descends to finer ones
// for pieces that are still too long, so chunks follow the structure of the
// text where possible.
type Splitter struct {
	Size       int
	Overlap    int
	Separators []string
}

// NewSplitter returns a Splitter with the default separators. Non-positive
// size and negative overlap select the defaults; an overlap that is not
// smaller than size is clamped.
func NewSplitter(size, overlap int) Splitter {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = DefaultChunkOverlap
	}
	if overlap >= size {
		overlap = size / 2
	}
	return Splitter{Size: size, Overlap: overlap, Separators: DefaultSeparators}
}

// Split returns the trimmed, non-empty chunks of text.
func (s Splitter) Split(text string) []string {
	var out []string
	for _, c := range s.split(text, s.Separators) {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func (s Splitter) split(text string, seps []string) []string {
	sep, rest := "", []string(nil)
	for i, c := range seps {
		if c == "" || strings.Contains(text, c) {
			sep, rest = c, seps[i+1:]
			break
		}
	}

	var chunks, pending []string
	for _, p := range splitKeep(text, sep) {
		if utf8.RuneCountInString(p) <= s.Size {
			pending = append(pending, p)
			continue
		}
		if len(pending) > 0 {
			chunks = append(chunks, s.merge(pending)...)
			pending = nil
		}
		chunks = append(chunks, s.split(p, rest)...)
	}
	if len(pending) > 0 {
		chunks = append(chunks, s.merge(pending)...)
	}
	return chunks
}

// merge packs consecutive pieces into chunks, carrying up to Overlap
// characters of each chunk into the next.
func (s Splitter) merge(pieces []string) []string {
	var (
		chunks []string
		cur    []string
		total  int
	)
	for _, p := range pieces {
		n := utf8.RuneCountInString(p)
		if total+n > s.Size && len(cur) > 0 {
			chunks = append(chunks, strings.Join(cur, ""))
			for len(cur) > 0 && (total > s.Overlap || total+n > s.Size) {
				total -= utf8.RuneCountInString(cur[0])
				cur = cur[1:]
			}
		}
		cur = append(cur, p)
		total += n
	}
	if len(cur) > 0 {
		chunks = append(chunks, strings.Join(cur, ""))
	}
	return chunks
}

// splitKeep splits text after each sep, keeping the separator with the
// preceding piece. An empty sep splits between characters.
func splitKeep(text, sep string) []string {
	if sep == "" {
		out := make([]string, 0, len(text))
		for _, r := range text {
			out = append(out, string(r))
		}
		return out
	}
	parts := strings.SplitAfter(text, sep)
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
