package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"testing/iotest"
)

// piecesReader returns each piece on a separate Read call.
type piecesReader struct {
	pieces [][]byte
}

func (p *piecesReader) Read(b []byte) (int, error) {
	if len(p.pieces) == 0 {
		return 0, io.EOF
	}
	n := copy(b, p.pieces[0])
	if n < len(p.pieces[0]) {
		p.pieces[0] = p.pieces[0][n:]
	} else {
		p.pieces = p.pieces[1:]
	}
	return n, nil
}

func splitAt(s string, cuts ...int) io.Reader {
	var pieces [][]byte
	prev := 0
	for _, c := range cuts {
		pieces = append(pieces, []byte(s[prev:c]))
		prev = c
	}
	pieces = append(pieces, []byte(s[prev:]))
	return &piecesReader{pieces: pieces}
}

const chatStream = "data: {\"content\":\"Hé\"}\n\n" +
	"data: {\"content\":\"llo 世界\"}\n\n" +
	"data: {\"content\":\" 🎉\"}\n\n" +
	"data: [DONE]\n\n"

func contentChunks(texts ...string) []Chunk {
	out := make([]Chunk, 0, len(texts)+1)
	for _, t := range texts {
		out = append(out, Chunk{Type: ChunkContent, Text: t})
	}
	return append(out, Chunk{Type: ChunkDone})
}

func TestReader_Chat(t *testing.T) {
	t.Parallel()

	got, err := Collect(NewReader(strings.NewReader(chatStream), ChatDecoder{}))
	if err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	want := contentChunks("Hé", "llo 世界", " 🎉")
	if !reflect.DeepEqual(got, want) {
		t.Errorf("chunks mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestReader_FragmentationIndependent(t *testing.T) {
	t.Parallel()

	want := contentChunks("Hé", "llo 世界", " 🎉")

	// Every single split point, including inside "\n\n" and inside runes.
	for cut := 1; cut < len(chatStream); cut++ {
		got, err := Collect(NewReader(splitAt(chatStream, cut), ChatDecoder{}))
		if err != nil {
			t.Fatalf("cut %d: Collect() error: %v", cut, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("cut %d: chunks mismatch:\n got %+v\nwant %+v", cut, got, want)
		}
	}

	// Every pair of split points.
	for a := 1; a < len(chatStream); a++ {
		for b := a + 1; b < len(chatStream); b++ {
			got, err := Collect(NewReader(splitAt(chatStream, a, b), ChatDecoder{}))
			if err != nil {
				t.Fatalf("cuts %d,%d: Collect() error: %v", a, b, err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("cuts %d,%d: chunks mismatch", a, b)
			}
		}
	}

	got, err := Collect(NewReader(iotest.OneByteReader(strings.NewReader(chatStream)), ChatDecoder{}))
	if err != nil {
		t.Fatalf("one byte: Collect() error: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("one byte: chunks mismatch:\n got %+v\nwant %+v", got, want)
	}

	got, err = Collect(NewReader(strings.NewReader(chatStream), ChatDecoder{}, WithBufferSize(3)))
	if err != nil {
		t.Fatalf("small buffer: Collect() error: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("small buffer: chunks mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestReader_MalformedRecordSkipped(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	input := "data: {\"content\":\"a\"}\n\n" +
		"data: {\"content\":\n\n" +
		"data: not json\n\n" +
		"data: \"just a string\"\n\n" +
		"data: {\"content\":\"b\"}\n\n"

	got, err := Collect(NewReader(strings.NewReader(input), ChatDecoder{}, WithLogger(logger)))
	if err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	want := []Chunk{
		{Type: ChunkContent, Text: "a"},
		{Type: ChunkContent, Text: "b"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("chunks mismatch:\n got %+v\nwant %+v", got, want)
	}
	if n := strings.Count(logs.String(), "skipping stream record"); n != 3 {
		t.Errorf("expected 3 skipped-record log entries, got %d:\n%s", n, logs.String())
	}
	if !strings.Contains(logs.String(), `"level":"WARN"`) {
		t.Error("expected skipped records to be logged at WARN")
	}
}

func TestReader_DoneEndsWithoutError(t *testing.T) {
	t.Parallel()

	input := "data: {\"content\":\"x\"}\n\ndata: [DONE]\n\ndata: {\"content\":\"ignored\"}\n\n"
	rd := NewReader(strings.NewReader(input), ChatDecoder{})

	got, err := Collect(rd)
	if err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	want := contentChunks("x")
	if !reflect.DeepEqual(got, want) {
		t.Errorf("chunks mismatch:\n got %+v\nwant %+v", got, want)
	}
	if rd.Next() {
		t.Error("Next() after [DONE] should return false")
	}
}

func TestReader_ErrorFieldIsTerminal(t *testing.T) {
	t.Parallel()

	input := "data: {\"content\":\"partial\"}\n\n" +
		"data: {\"error\": \"x\"}\n\n" +
		"data: {\"content\":\"after\"}\n\n" +
		"data: {\"error\": \"y\"}\n\n"

	got, err := Collect(NewReader(strings.NewReader(input), ChatDecoder{}))
	if err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %+v", len(got), got)
	}
	last := got[1]
	if last.Type != ChunkError || last.Text != "x" {
		t.Errorf("expected error chunk with message x, got %+v", last)
	}
	var serr *ServerError
	if !errors.As(last.Err, &serr) || serr.Message != "x" {
		t.Errorf("expected *ServerError{x}, got %v", last.Err)
	}
}

func TestReader_EmptyErrorFieldIgnored(t *testing.T) {
	t.Parallel()

	input := "data: {\"error\":\"\",\"content\":\"ok\"}\n\ndata: {\"error\":null,\"content\":\"ok2\"}\n\n"
	got, err := Collect(NewReader(strings.NewReader(input), ChatDecoder{}))
	if err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	want := []Chunk{{Type: ChunkContent, Text: "ok"}, {Type: ChunkContent, Text: "ok2"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("chunks mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestReader_NonDataRecordsSkipped(t *testing.T) {
	t.Parallel()

	input := ": keep-alive\n\nevent: ping\n\ndata:{\"content\":\"no space\"}\n\ndata: {\"content\":\"y\"}\n\n"
	got, err := Collect(NewReader(strings.NewReader(input), ChatDecoder{}))
	if err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	want := []Chunk{{Type: ChunkContent, Text: "y"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("chunks mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestReader_UnterminatedTrailingRecordDropped(t *testing.T) {
	t.Parallel()

	input := "data: {\"content\":\"a\"}\n\ndata: {\"content\":\"b\"}"
	got, err := Collect(NewReader(strings.NewReader(input), ChatDecoder{}))
	if err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	want := []Chunk{{Type: ChunkContent, Text: "a"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("chunks mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestReader_TransportError(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	src := io.MultiReader(
		strings.NewReader("data: {\"content\":\"a\"}\n\ndata: {\"con"),
		iotest.ErrReader(boom),
	)

	got, err := Collect(NewReader(src, ChatDecoder{}))
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped %v, got %v", boom, err)
	}
	want := []Chunk{{Type: ChunkContent, Text: "a"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("chunks mismatch:\n got %+v\nwant %+v", got, want)
	}
}

// failingReader returns all of data together with err on the first Read.
type failingReader struct {
	data []byte
	err  error
}

func (f *failingReader) Read(b []byte) (int, error) {
	if f.data == nil {
		return 0, f.err
	}
	n := copy(b, f.data)
	f.data = f.data[n:]
	if len(f.data) == 0 {
		f.data = nil
		return n, f.err
	}
	return n, nil
}

func TestReader_DataReturnedWithError(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	tests := []struct {
		name string
		data string
		want []Chunk
	}{
		{
			name: "complete records",
			data: "data: {\"content\":\"a\"}\n\ndata: {\"content\":\"b\"}\n\n",
			want: []Chunk{{Type: ChunkContent, Text: "a"}, {Type: ChunkContent, Text: "b"}},
		},
		{
			name: "trailing partial record",
			data: "data: {\"content\":\"a\"}\n\ndata: {\"con",
			want: []Chunk{{Type: ChunkContent, Text: "a"}},
		},
		{
			name: "done before failure",
			data: "data: {\"content\":\"a\"}\n\ndata: [DONE]\n\n",
			want: []Chunk{{Type: ChunkContent, Text: "a"}, {Type: ChunkDone}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			src := &failingReader{data: []byte(tt.data), err: boom}
			got, err := Collect(NewReader(src, ChatDecoder{}))
			terminal := tt.want[len(tt.want)-1].Terminal()
			switch {
			case terminal && err != nil:
				t.Errorf("expected no error after terminal chunk, got %v", err)
			case !terminal && !errors.Is(err, boom):
				t.Errorf("expected wrapped %v, got %v", boom, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("chunks mismatch:\n got %+v\nwant %+v", got, tt.want)
			}
		})
	}
}

func TestReader_Progress(t *testing.T) {
	t.Parallel()

	input := "data: {\"status\":\"pulling manifest\"}\n\n" +
		"data: {\"status\":\"downloading\",\"completed\":50,\"total\":200}\n\n" +
		"data: {\"status\":\"success\"}\n\n" +
		"data: [DONE]\n\n"

	got, err := Collect(NewReader(strings.NewReader(input), ProgressDecoder{}))
	if err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 chunks (success is terminal), got %d: %+v", len(got), got)
	}

	if _, ok := got[0].Progress.Percentage(); ok {
		t.Error("first record has no counters; percentage should be unset")
	}
	if label := got[0].Progress.Label(); label != "pulling manifest" {
		t.Errorf("label = %q, want %q", label, "pulling manifest")
	}

	pct, ok := got[1].Progress.Percentage()
	if !ok || pct != 25 {
		t.Errorf("Percentage() = %d, %v; want 25, true", pct, ok)
	}

	if got[2].Type != ChunkProgress || !got[2].Progress.Succeeded() || !got[2].Terminal() {
		t.Errorf("expected terminal success chunk, got %+v", got[2])
	}
}

func TestReader_ProgressErrorStatus(t *testing.T) {
	t.Parallel()

	input := "data: {\"status\":\"error\",\"message\":\"manifest unknown\"}\n\n" +
		"data: {\"status\":\"downloading\"}\n\n"

	got, err := Collect(NewReader(strings.NewReader(input), ProgressDecoder{}))
	if err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	if len(got) != 1 || got[0].Type != ChunkError || got[0].Text != "manifest unknown" {
		t.Fatalf("expected one error chunk, got %+v", got)
	}
}

func TestReader_Idempotent(t *testing.T) {
	t.Parallel()

	input := "data: {\"status\":\"downloading\",\"completed\":1,\"total\":3}\n\n" +
		"data: broken\n\n" +
		"data: {\"status\":\"verifying\",\"message\":\"verifying sha256\"}\n\n" +
		"data: {\"status\":\"success\"}\n\n"

	first, err := Collect(NewReader(strings.NewReader(input), ProgressDecoder{}))
	if err != nil {
		t.Fatalf("first Collect() error: %v", err)
	}
	second, err := Collect(NewReader(iotest.HalfReader(strings.NewReader(input)), ProgressDecoder{}))
	if err != nil {
		t.Fatalf("second Collect() error: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("runs differ:\n first %+v\nsecond %+v", first, second)
	}
}

func TestStream_Channel(t *testing.T) {
	t.Parallel()

	body := io.NopCloser(strings.NewReader(chatStream))
	var got []Chunk
	for c := range Stream(context.Background(), body, ChatDecoder{}) {
		got = append(got, c)
	}
	want := contentChunks("Hé", "llo 世界", " 🎉")
	if !reflect.DeepEqual(got, want) {
		t.Errorf("chunks mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestStream_TransportErrorChunk(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	body := io.NopCloser(io.MultiReader(
		strings.NewReader("data: {\"content\":\"a\"}\n\n"),
		iotest.ErrReader(boom),
	))

	var got []Chunk
	for c := range Stream(context.Background(), body, ChatDecoder{}) {
		got = append(got, c)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 chunks, got %+v", got)
	}
	if got[1].Type != ChunkError || !errors.Is(got[1].Err, boom) {
		t.Errorf("expected transport error chunk, got %+v", got[1])
	}
	var serr *ServerError
	if errors.As(got[1].Err, &serr) {
		t.Error("transport error should not be a *ServerError")
	}
}

type closeRecorder struct {
	io.Reader
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func TestReader_Close(t *testing.T) {
	t.Parallel()

	src := &closeRecorder{Reader: strings.NewReader(chatStream)}
	rd := NewReader(src, ChatDecoder{})
	if !rd.Next() {
		t.Fatal("expected a chunk")
	}
	if err := rd.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if !src.closed {
		t.Error("expected source to be closed")
	}
	if rd.Next() {
		t.Error("Next() after Close() should return false")
	}
}
