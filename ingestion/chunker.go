package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"unicode/utf8"
)

const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 100
	DefaultBlockSize    = 1 << 20
)

// ErrInvalidChunking is returned for a size/overlap pair that cannot advance.
var ErrInvalidChunking = errors.New("invalid chunking parameters")

var errStopIteration = errors.New("stop iteration")

// Chunk is one overlapping token window of the source document.
type Chunk struct {
	Index      int
	Text       string
	TokenCount int
}

// Chunker splits a text stream into windows of at most size tokens where
// consecutive windows share exactly overlap tokens.
type Chunker struct {
	tokenizer Tokenizer
	size      int
	overlap   int
	blockSize int
	dropTail  bool
}

type ChunkerOption func(*Chunker)

// WithBlockSize sets how many bytes are read from the source per step.
func WithBlockSize(n int) ChunkerOption {
	return func(c *Chunker) {
		if n > 0 {
			c.blockSize = n
		}
	}
}

// WithDropTail discards the final window when it is shorter than the chunk
// size instead of emitting it.
func WithDropTail() ChunkerOption {
	return func(c *Chunker) { c.dropTail = true }
}

func NewChunker(tokenizer Tokenizer, size, overlap int, opts ...ChunkerOption) (*Chunker, error) {
	if tokenizer == nil {
		return nil, fmt.Errorf("%w: tokenizer is nil", ErrInvalidChunking)
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidChunking, size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("%w: overlap must be in [0, %d), got %d", ErrInvalidChunking, size, overlap)
	}

	c := &Chunker{
		tokenizer: tokenizer,
		size:      size,
		overlap:   overlap,
		blockSize: DefaultBlockSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Chunk reads r once and calls fn for every window in emission order. It
// returns the number of windows emitted. An error from fn stops the scan and
// is returned unchanged.
func (c *Chunker) Chunk(ctx context.Context, r io.Reader, fn func(Chunk) error) (int, error) {
	var (
		buf     = make([]byte, c.blockSize)
		tokens  []int
		locked  int
		carry   []byte
		emitted int
	)

	emitFull := func() error {
		for len(tokens) > c.size {
			chunk := Chunk{
				Index:      emitted,
				Text:       c.tokenizer.Decode(tokens[:c.size]),
				TokenCount: c.size,
			}
			if err := fn(chunk); err != nil {
				return err
			}
			emitted++
			tokens = tokens[c.size-c.overlap:]
			locked = c.overlap
		}
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return emitted, err
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			cut := completeRunes(data)
			carry = append([]byte(nil), data[cut:]...)

			tokens = c.retokenize(tokens, locked, string(data[:cut]))
			if err := emitFull(); err != nil {
				return emitted, err
			}
		}

		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return emitted, fmt.Errorf("read source: %w", readErr)
		}
	}

	if len(carry) > 0 {
		tokens = c.retokenize(tokens, locked, string(carry))
		if err := emitFull(); err != nil {
			return emitted, err
		}
	}

	// Only emit the tail when it holds tokens no earlier window contained.
	if !c.dropTail && len(tokens) > locked {
		chunk := Chunk{
			Index:      emitted,
			Text:       c.tokenizer.Decode(tokens),
			TokenCount: len(tokens),
		}
		if err := fn(chunk); err != nil {
			return emitted, err
		}
		emitted++
	}

	return emitted, nil
}

// All exposes Chunk as a single-use iterator. A read error is yielded once as
// the final element.
func (c *Chunker) All(ctx context.Context, r io.Reader) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		_, err := c.Chunk(ctx, r, func(chunk Chunk) error {
			if !yield(chunk, nil) {
				return errStopIteration
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStopIteration) {
			yield(Chunk{}, err)
		}
	}
}

// retokenize keeps the first locked tokens as they were emitted and encodes
// the remaining tail together with the newly read text.
func (c *Chunker) retokenize(tokens []int, locked int, text string) []int {
	if locked > len(tokens) {
		locked = len(tokens)
	}
	tail := c.tokenizer.Decode(tokens[locked:]) + text
	encoded := c.tokenizer.Encode(tail)

	out := make([]int, 0, locked+len(encoded))
	out = append(out, tokens[:locked]...)
	return append(out, encoded...)
}

// completeRunes returns the length of the longest prefix of b that does not
// end inside a multi-byte UTF-8 sequence.
func completeRunes(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}
