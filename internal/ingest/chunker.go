package ingest

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// TextChunk is one window of page text.
type TextChunk struct {
	PageNumber int
	Index      int // position within the document
	Text       string
}

// Chunker splits page text into fixed-size overlapping windows measured
// in runes. Windows never cross page boundaries.
type Chunker struct {
	Size    int
	Overlap int
}

// NewChunker normalises size and overlap. A non-positive size takes the
// default; an overlap that would stall the window falls back to size/4.
func NewChunker(size, overlap int) Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size / 4
	}
	return Chunker{Size: size, Overlap: overlap}
}

// Split chunks every page in order. A page of L runes yields 0 chunks when
// L is 0, 1 when L <= Size, and 1 + ceil((L-Size)/(Size-Overlap)) otherwise.
func (c Chunker) Split(pages []Page) []TextChunk {
	c = NewChunker(c.Size, c.Overlap)
	step := c.Size - c.Overlap

	var out []TextChunk
	for _, p := range pages {
		runes := []rune(p.Text)
		for start := 0; start < len(runes); start += step {
			end := min(start+c.Size, len(runes))
			out = append(out, TextChunk{
				PageNumber: p.Number,
				Index:      len(out),
				Text:       string(runes[start:end]),
			})
			if end == len(runes) {
				break
			}
		}
	}
	return out
}

// ExpectedChunks returns how many chunks Split produces for a page of
// length runes.
func (c Chunker) ExpectedChunks(length int) int {
	c = NewChunker(c.Size, c.Overlap)
	switch {
	case length <= 0:
		return 0
	case length <= c.Size:
		return 1
	}
	step := c.Size - c.Overlap
	return 1 + (length-c.Size+step-1)/step
}
