package backend

// ChatMessage is one conversation entry on the wire
type ChatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// ChatRequest represents the request body for the /api/chat endpoint
type ChatRequest struct {
	Model     string         `json:"model"`
	Messages  []ChatMessage  `json:"messages"`
	Stream    bool           `json:"stream"`
	Format    string         `json:"format,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
	KeepAlive string         `json:"keep_alive,omitempty"`
}

// ChatResponse is a single frame of a streamed reply, or the whole reply
// when streaming is off. Content in a streamed frame is the increment since
// the previous frame.
type ChatResponse struct {
	Model           string      `json:"model"`
	CreatedAt       string      `json:"created_at"`
	Message         ChatMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason,omitempty"`
	Error           string      `json:"error,omitempty"`
	PromptEvalCount int64       `json:"prompt_eval_count,omitempty"`
	EvalCount       int64       `json:"eval_count,omitempty"`
}

// TagsResponse represents the response from the /api/tags endpoint
type TagsResponse struct {
	Models []Model `json:"models"`
}

// Model represents a single model in the tags response
type Model struct {
	Name       string `json:"name"`
	ModifiedAt string `json:"modified_at"`
	Size       int64  `json:"size"`
	Digest     string `json:"digest"`
}

// ShowRequest represents the request body for the /api/show endpoint
type ShowRequest struct {
	Model string `json:"model"`
}

// ShowResponse carries the model metadata shown before creating a chat
type ShowResponse struct {
	Modelfile  string `json:"modelfile"`
	Parameters string `json:"parameters"`
	Template   string `json:"template"`
	System     string `json:"system"`
	Details    struct {
		Family            string `json:"family"`
		ParameterSize     string `json:"parameter_size"`
		QuantizationLevel string `json:"quantization_level"`
	} `json:"details"`
}

type errorResponse struct {
	Error string `json:"error"`
}
