package ingest

import (
	"slices"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitter_Split(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		overlap int
		text    string
		want    []string
	}{
		{
			name: "fits in one chunk",
			size: 100, overlap: 10,
			text: "  Dear Sir or Madam.  ",
			want: []string{"Dear Sir or Madam."},
		},
		{
			name: "paragraphs",
			size: 12, overlap: 0,
			text: "first para\n\nsecond one",
			want: []string{"first para", "second one"},
		},
		{
			name: "words without overlap",
			size: 10, overlap: 0,
			text: "aaaa bbbb cccc",
			want: []string{"aaaa bbbb", "cccc"},
		},
		{
			name: "words with overlap",
			size: 10, overlap: 5,
			text: "aaaa bbbb cccc",
			want: []string{"aaaa bbbb", "bbbb cccc"},
		},
		{
			name: "unbreakable run",
			size: 4, overlap: 0,
			text: "abcdefghij",
			want: []string{"abcd", "efgh", "ij"},
		},
		{
			name: "empty",
			size: 10, overlap: 0,
			text: " \n\n ",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSplitter(tt.size, tt.overlap)
			if got := s.Split(tt.text); !slices.Equal(got, tt.want) {
				t.Errorf("Split = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSplitter_RespectsSize(t *testing.T) {
	text := strings.Repeat("Dies ist ein Satz mit Umlauten äöü. ", 80) + "\n\n" +
		strings.Repeat("Another line!\n", 40)
	s := NewSplitter(120, 30)
	chunks := s.Split(text)
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks", len(chunks))
	}
	for i, c := range chunks {
		if n := utf8.RuneCountInString(c); n > 120 {
			t.Errorf("chunk %d has %d characters", i, n)
		}
	}
}

func TestNewSplitter_Defaults(t *testing.T) {
	s := NewSplitter(0, -1)
	if s.Size != DefaultChunkSize || s.Overlap != DefaultChunkOverlap {
		t.Errorf("got %d/%d", s.Size, s.Overlap)
	}
	if s := NewSplitter(10, 10); s.Overlap != 5 {
		t.Errorf("overlap = %d, want clamped to 5", s.Overlap)
	}
}
