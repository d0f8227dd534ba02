package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

const (
	dataPrefix        = "data: "
	doneSentinel      = "[DONE]"
	defaultBufferSize = 4096
)

var recordSeparator = []byte("\n\n")

// ErrMalformedRecord marks a record whose payload is not a JSON object.
var ErrMalformedRecord = errors.New("malformed record")

// RecordError describes a record that was skipped.
type RecordError struct {
	Record string
	Err    error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%v: %v", ErrMalformedRecord, e.Err)
}

func (e *RecordError) Unwrap() []error { return []error{ErrMalformedRecord, e.Err} }

// Option configures a Reader.
type Option func(*Reader)

// WithLogger sets the logger used for skipped records.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reader) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithBufferSize sets the size of each read from the source.
func WithBufferSize(n int) Option {
	return func(r *Reader) {
		if n > 0 {
			r.buf = make([]byte, n)
		}
	}
}

// Reader reassembles records from a byte stream and decodes them into Chunks.
//
// Records are cut from the front of the pending buffer at each "\n\n", so a
// chunk boundary may fall anywhere, including inside the separator or inside a
// multi-byte UTF-8 sequence: the partial bytes stay pending until the record
// is complete. The zero value is not usable; call NewReader.
type Reader struct {
	src    io.Reader
	dec    Decoder
	logger *slog.Logger

	buf     []byte
	pending []byte
	off     int

	cur     Chunk
	err     error
	readErr error
	eof     bool
	done    bool
}

// NewReader returns a Reader that decodes records from r with dec.
func NewReader(r io.Reader, dec Decoder, opts ...Option) *Reader {
	rd := &Reader{
		src:    r,
		dec:    dec,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(rd)
	}
	if rd.buf == nil {
		rd.buf = make([]byte, defaultBufferSize)
	}
	return rd
}

// Next advances to the next chunk. It returns false when the stream has
// ended: the source is exhausted, a terminal chunk was returned, or a read
// failed. Check Err afterwards.
func (r *Reader) Next() bool {
	if r.done {
		return false
	}
	for {
		if rec, ok := r.nextRecord(); ok {
			c, emit := r.handle(rec)
			if !emit {
				continue
			}
			if c.Terminal() {
				r.finish()
			}
			r.cur = c
			return true
		}

		if r.readErr != nil {
			r.err = fmt.Errorf("reading stream: %w", r.readErr)
			r.finish()
			return false
		}
		if r.eof {
			if r.off < len(r.pending) {
				r.logger.Debug("discarding unterminated record", "bytes", len(r.pending)-r.off)
			}
			r.finish()
			return false
		}

		r.fill()
	}
}

// Chunk returns the chunk produced by the last successful call to Next.
func (r *Reader) Chunk() Chunk {
	return r.cur
}

// Err returns the first transport error encountered. Skipped records are
// not errors.
func (r *Reader) Err() error {
	return r.err
}

// Close releases the underlying source if it is an io.Closer.
func (r *Reader) Close() error {
	r.finish()
	if c, ok := r.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (r *Reader) finish() {
	r.done = true
	r.pending = nil
	r.off = 0
}

// fill reads once from the source into the pending buffer. Bytes returned
// alongside an error are kept so that complete records ahead of the failure
// are still delivered.
func (r *Reader) fill() {
	if r.off > 0 {
		n := copy(r.pending, r.pending[r.off:])
		r.pending = r.pending[:n]
		r.off = 0
	}
	n, err := r.src.Read(r.buf)
	if n > 0 {
		r.pending = append(r.pending, r.buf[:n]...)
	}
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		r.eof = true
	default:
		r.readErr = err
	}
}

// nextRecord cuts the first complete record off the pending buffer.
func (r *Reader) nextRecord() (string, bool) {
	i := bytes.Index(r.pending[r.off:], recordSeparator)
	if i < 0 {
		return "", false
	}
	rec := string(r.pending[r.off : r.off+i])
	r.off += i + len(recordSeparator)
	return rec, true
}

// handle turns one raw record into a chunk. It reports false for records
// that produce nothing.
func (r *Reader) handle(rec string) (Chunk, bool) {
	payload, ok := cutPrefix(rec)
	if !ok {
		r.logger.Debug("skipping non-data record", "record", rec)
		return Chunk{}, false
	}
	if payload == doneSentinel {
		return Chunk{Type: ChunkDone}, true
	}

	data := []byte(payload)
	msg, isErr, err := errorField(data)
	if err != nil {
		r.skip(rec, err)
		return Chunk{}, false
	}
	if isErr {
		return Chunk{Type: ChunkError, Text: msg, Err: &ServerError{Message: msg}}, true
	}

	c, recognized, err := r.dec.Decode(data)
	if err != nil {
		r.skip(rec, err)
		return Chunk{}, false
	}
	if !recognized {
		r.logger.Debug("skipping unrecognized record", "record", rec)
		return Chunk{}, false
	}
	return c, true
}

func (r *Reader) skip(rec string, err error) {
	rerr := &RecordError{Record: rec, Err: err}
	r.logger.Warn("skipping stream record", "error", rerr, "record", rec)
}

func cutPrefix(rec string) (string, bool) {
	if len(rec) < len(dataPrefix) || rec[:len(dataPrefix)] != dataPrefix {
		return "", false
	}
	return rec[len(dataPrefix):], true
}

// Collect drains r and returns every chunk it produced.
func Collect(r *Reader) ([]Chunk, error) {
	var out []Chunk
	for r.Next() {
		out = append(out, r.Chunk())
	}
	return out, r.Err()
}

// Stream decodes body on a goroutine and emits chunks on the returned
// channel, which is closed when the stream ends. A transport error is sent
// as a final ChunkError. The body is closed before the channel closes.
func Stream(ctx context.Context, body io.ReadCloser, dec Decoder, opts ...Option) <-chan Chunk {
	return NewReader(body, dec, opts...).Chunks(ctx)
}

// Chunks drains r on a goroutine, emitting each chunk on the returned
// channel. A transport error is sent as a final ChunkError unless ctx is
// done. r is closed before the channel closes.
func (r *Reader) Chunks(ctx context.Context) <-chan Chunk {
	ch := make(chan Chunk, 64)

	go func() {
		defer close(ch)
		defer func() { _ = r.Close() }()

		for r.Next() {
			select {
			case ch <- r.Chunk():
			case <-ctx.Done():
				return
			}
		}
		if err := r.Err(); err != nil && ctx.Err() == nil {
			ch <- Chunk{Type: ChunkError, Text: err.Error(), Err: err}
		}
	}()

	return ch
}
