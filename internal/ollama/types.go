package ollama

// Roles used in chat messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one chat turn. Images hold raw base64 data without a data: URL prefix.
type Message struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// Options are the sampling parameters sent with every chat request.
type Options struct {
	Temperature     float64 `json:"temperature" yaml:"temperature" mapstructure:"temperature"`
	TopP            float64 `json:"top_p" yaml:"top_p" mapstructure:"top_p"`
	MaxTokens       int     `json:"max_tokens" yaml:"max_tokens" mapstructure:"max_tokens"`
	TopK            int     `json:"top_k" yaml:"top_k" mapstructure:"top_k"`
	PresencePenalty float64 `json:"presence_penalty" yaml:"presence_penalty" mapstructure:"presence_penalty"`
}

// DefaultOptions returns the sampling defaults of the chat server.
func DefaultOptions() Options {
	return Options{
		Temperature:     0.7,
		TopP:            0.9,
		MaxTokens:       512,
		TopK:            40,
		PresencePenalty: 1.1,
	}
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Model        string    `json:"model"`
	Messages     []Message `json:"messages"`
	Stream       bool      `json:"stream"`
	SystemPrompt *string   `json:"system_prompt"`
	Options
	Seed *int64 `json:"seed"`
}

// PullRequest is the body of POST /api/pull.
type PullRequest struct {
	Name string `json:"llm_name"`
}

// GenerateRequest is the body of POST /api/generate.
type GenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Options
	Seed *int64 `json:"seed,omitempty"`
}

// Model is one entry of GET /api/tags.
type Model struct {
	Model      string       `json:"model"`
	Name       string       `json:"name,omitempty"`
	Size       int64        `json:"size,omitempty"`
	Digest     string       `json:"digest,omitempty"`
	ModifiedAt string       `json:"modified_at,omitempty"`
	Details    ModelDetails `json:"details,omitempty"`
}

// ID returns the identifier used to select the model.
func (m Model) ID() string {
	if m.Model != "" {
		return m.Model
	}
	return m.Name
}

// ModelDetails carries descriptive metadata about a model.
type ModelDetails struct {
	Format            string `json:"format,omitempty"`
	Family            string `json:"family,omitempty"`
	ParameterSize     string `json:"parameter_size,omitempty"`
	QuantizationLevel string `json:"quantization_level,omitempty"`
}

// TagsResponse is the body of GET /api/tags.
type TagsResponse struct {
	Models []Model `json:"models"`
}
