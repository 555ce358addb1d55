package engine

// Message is one chat turn sent to the local model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Schema is the JSON-schema subset Ollama accepts as a structured output
// format. Only flat objects are needed here.
type Schema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

type SchemaProperty struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Minimum     *float64 `json:"minimum,omitempty"`
	Maximum     *float64 `json:"maximum,omitempty"`
}

// NumberIn declares a numeric field constrained to [lo, hi].
func NumberIn(lo, hi float64, description string) SchemaProperty {
	return SchemaProperty{
		Type:        "number",
		Description: description,
		Minimum:     &lo,
		Maximum:     &hi,
	}
}

// PullProgress is one line of the streamed /api/pull response.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}
