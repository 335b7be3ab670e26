package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/eunmann/logscan/internal/logctx"
)

const readBufferSize = 256 * 1024

// zstdCorrupt lists zstd decoder errors that mean the data itself is bad.
var zstdCorrupt = []error{
	zstd.ErrMagicMismatch,
	zstd.ErrReservedBlockType,
	zstd.ErrBlockTooSmall,
	zstd.ErrCompressedSizeTooBig,
	zstd.ErrWindowSizeExceeded,
	zstd.ErrWindowSizeTooSmall,
	zstd.ErrFrameSizeExceeded,
	zstd.ErrFrameSizeMismatch,
	zstd.ErrCRCMismatch,
	zstd.ErrUnknownDictionary,
}

// IsCorrupt reports whether err means the compressed data is structurally
// broken rather than the read failing. A decoder reports a stream cut short
// as io.ErrUnexpectedEOF; lineReader only trusts that when the underlying
// body ended cleanly.
func IsCorrupt(err error) bool {
	if errors.Is(err, ErrCorruptStream) ||
		errors.Is(err, gzip.ErrHeader) ||
		errors.Is(err, gzip.ErrChecksum) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var flateErr flate.CorruptInputError
	if errors.As(err, &flateErr) {
		return true
	}
	for _, target := range zstdCorrupt {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// bodyReader remembers the first failed read of the underlying stream, so a
// decoder error caused by a dropped connection is not taken for corruption.
type bodyReader struct {
	r   io.Reader
	err error
}

func (b *bodyReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && err != io.EOF && b.err == nil {
		b.err = err
	}
	return n, err
}

// lineReader implements Lines over a decoded byte stream.
type lineReader struct {
	id      string
	log     zerolog.Logger
	body    *bodyReader
	r       *bufio.Reader
	closers []func() error

	line      Line
	next      int
	done      bool
	err       error
	truncated bool
	missing   bool
	invalid   int
}

// newLines picks a decoder from the file suffix. body is closed by Close.
func newLines(ctx context.Context, id string, body io.ReadCloser) (Lines, error) {
	lr := &lineReader{
		id:      id,
		log:     logctx.FromContext(ctx).With().Str("file", id).Logger(),
		body:    &bodyReader{r: body},
		closers: []func() error{body.Close},
	}

	var decoded io.Reader = lr.body
	switch {
	case strings.HasSuffix(id, ".gz"):
		zr, err := gzip.NewReader(bufio.NewReaderSize(lr.body, readBufferSize))
		if err != nil {
			lr.finish(err)
			return lr, nil
		}
		lr.closers = append(lr.closers, zr.Close)
		decoded = zr
	case strings.HasSuffix(id, ".zst"):
		zr, err := zstd.NewReader(lr.body, zstd.WithDecoderConcurrency(1))
		if err != nil {
			body.Close()
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		lr.closers = append(lr.closers, func() error { zr.Close(); return nil })
		decoded = zr
	}

	lr.r = bufio.NewReaderSize(decoded, readBufferSize)
	return lr, nil
}

func (lr *lineReader) Next() bool {
	for !lr.done {
		b, err := lr.r.ReadBytes('\n')
		if err != nil {
			lr.finish(err)
			// a partial line is only kept at a clean end of stream
			if !errors.Is(err, io.EOF) || len(b) == 0 {
				continue
			}
		}

		idx := lr.next
		lr.next++
		b = bytes.TrimRight(b, "\r\n")
		if !utf8.Valid(b) {
			lr.invalid++
			lr.log.Debug().Int("line", idx).Msg("skipping line that is not valid UTF-8")
			continue
		}
		lr.line = Line{Index: idx, Text: string(b)}
		return true
	}
	return false
}

// finish ends the sequence. A failed read of the body is surfaced through
// Err whatever the decoder made of it. Otherwise io.EOF is a clean end and
// corrupt data a truncated one.
func (lr *lineReader) finish(err error) {
	lr.done = true
	switch {
	case lr.body.err != nil:
		lr.err = fmt.Errorf("read %s: %w", lr.id, lr.body.err)
	case errors.Is(err, io.EOF):
	case IsCorrupt(err):
		lr.truncated = true
		lr.log.Error().Err(err).Int("lines_read", lr.next).Msg("corrupt compressed stream, treating as end of file")
	default:
		lr.err = fmt.Errorf("read %s: %w", lr.id, err)
	}
}

func (lr *lineReader) Line() Line       { return lr.line }
func (lr *lineReader) Err() error       { return lr.err }
func (lr *lineReader) Truncated() bool  { return lr.truncated }
func (lr *lineReader) InvalidUTF8() int { return lr.invalid }
func (lr *lineReader) Missing() bool    { return lr.missing }

func (lr *lineReader) Close() error {
	var errs []error
	for i := len(lr.closers) - 1; i >= 0; i-- {
		if err := lr.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	lr.closers = nil
	return errors.Join(errs...)
}
