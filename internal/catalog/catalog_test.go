package catalog

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/zhubert/olla/internal/ollama"
	"github.com/zhubert/olla/internal/stream"
)

type fakeClient struct {
	models     []ollama.Model
	listErr    error
	listCalls  int
	pullStream string
	pullErr    error
}

func (f *fakeClient) ListModels(ctx context.Context) ([]ollama.Model, error) {
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.models, nil
}

func (f *fakeClient) Pull(ctx context.Context, name string) (*stream.Reader, error) {
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	return stream.NewReader(strings.NewReader(f.pullStream), stream.ProgressDecoder{}), nil
}

func models(ids ...string) []ollama.Model {
	out := make([]ollama.Model, len(ids))
	for i, id := range ids {
		out[i] = ollama.Model{Model: id}
	}
	return out
}

func TestRefresh(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{models: models("llama2:7b", "mistral:latest")}
	c := New(fc, nil)
	if c.Loaded() {
		t.Error("new catalog should not be loaded")
	}
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if !c.Loaded() {
		t.Error("catalog should be loaded after refresh")
	}
	ids := c.IDs()
	if len(ids) != 2 || ids[0] != "llama2:7b" {
		t.Errorf("IDs() = %v", ids)
	}
}

func TestRefresh_ErrorKeepsPreviousList(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{models: models("llama2:7b")}
	c := New(fc, nil)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}

	fc.listErr = errors.New("down")
	if err := c.Refresh(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if len(c.Models()) != 1 {
		t.Error("failed refresh should keep the cached list")
	}
}

func TestMatch(t *testing.T) {
	t.Parallel()

	c := New(&fakeClient{models: models("llama2:7b", "mistral:latest", "llava:13b")}, nil)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}

	tests := []struct {
		query   string
		want    string
		wantErr bool
	}{
		{"2", "mistral:latest", false},
		{"LLAVA:13B", "llava:13b", false},
		{"mist", "mistral:latest", false},
		{"llama2", "llama2:7b", false},
		{"9", "", true},
		{"zzzz", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			m, err := c.Match(tt.query)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Match(%q) error = %v, wantErr %v", tt.query, err, tt.wantErr)
			}
			if !tt.wantErr && m.ID() != tt.want {
				t.Errorf("Match(%q) = %q, want %q", tt.query, m.ID(), tt.want)
			}
		})
	}
}

func TestPull_SuccessRefreshes(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{
		models: models("llama2:7b"),
		pullStream: "data: {\"status\":\"pulling manifest\"}\n\n" +
			"data: {\"completed\":50,\"total\":200}\n\n" +
			"data: {\"status\":\"success\"}\n\n" +
			"data: [DONE]\n\n",
	}
	c := New(fc, nil)

	var pcts []int
	var statuses []string
	err := c.Pull(context.Background(), "llama2:7b", func(p stream.Progress) {
		if pct, ok := p.Percentage(); ok {
			pcts = append(pcts, pct)
		}
		statuses = append(statuses, p.Status)
	})
	if err != nil {
		t.Fatalf("Pull() error: %v", err)
	}
	if len(pcts) != 1 || pcts[0] != 25 {
		t.Errorf("percentages = %v, want [25]", pcts)
	}
	if statuses[len(statuses)-1] != stream.StatusSuccess {
		t.Errorf("last status = %q, want success", statuses[len(statuses)-1])
	}
	if fc.listCalls != 1 {
		t.Errorf("expected model list refresh after success, got %d list calls", fc.listCalls)
	}
	if !c.Loaded() {
		t.Error("catalog should be loaded after a successful pull")
	}
}

func TestPull_ServerError(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{
		pullStream: "data: {\"status\":\"error\",\"message\":\"pull model manifest: file does not exist\"}\n\n",
	}
	c := New(fc, nil)

	var last stream.Progress
	err := c.Pull(context.Background(), "nope:1", func(p stream.Progress) { last = p })
	var serr *stream.ServerError
	if !errors.As(err, &serr) {
		t.Fatalf("expected *stream.ServerError, got %v", err)
	}
	if serr.Message != "pull model manifest: file does not exist" {
		t.Errorf("message = %q", serr.Message)
	}
	if last.Status != stream.StatusError {
		t.Errorf("expected error progress to be reported, got %+v", last)
	}
	if fc.listCalls != 0 {
		t.Error("failed pull must not refresh the model list")
	}
}

func TestPull_ErrorField(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{pullStream: "data: {\"error\":\"connection refused\"}\n\ndata: [DONE]\n\n"}
	err := New(fc, nil).Pull(context.Background(), "llama2:7b", nil)
	var serr *stream.ServerError
	if !errors.As(err, &serr) || serr.Message != "connection refused" {
		t.Fatalf("expected server error, got %v", err)
	}
}

func TestPull_RequestError(t *testing.T) {
	t.Parallel()

	boom := &ollama.TransportError{Op: "POST /api/pull", StatusCode: 502}
	err := New(&fakeClient{pullErr: boom}, nil).Pull(context.Background(), "x:y", nil)
	if !errors.Is(err, boom) {
		t.Errorf("expected request error to propagate, got %v", err)
	}
}
