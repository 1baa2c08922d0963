package domain

// BodyKind tags how the content of a message was classified.
type BodyKind int

const (
	PlainText BodyKind = iota
	StructuredPayload
)

func (k BodyKind) String() string {
	switch k {
	case StructuredPayload:
		return "structured_payload"
	default:
		return "plain_text"
	}
}

// TaskSchema is the structured task specification an assistant proposes.
type TaskSchema map[string]any

// Body is the classified form of a message's content. For a
// StructuredPayload exactly one of Schema and ParseErr is set.
type Body struct {
	Kind     BodyKind
	Raw      string
	Schema   TaskSchema
	ParseErr error
}

// Structured reports whether the body carries a fenced structured block.
func (b Body) Structured() bool {
	return b.Kind == StructuredPayload
}
