package conversation

import (
	"encoding/json"

	"github.com/ashureev/claim-intake/internal/domain"
)

// BodyKind tells clients how to render a reply body.
type BodyKind int

const (
	BodyText BodyKind = iota
	BodyHTML
)

// ResponseBody is the bot's reply content, either plain text or HTML.
type ResponseBody struct {
	Kind    BodyKind
	Content string
}

// Text returns a plain text body.
func Text(s string) ResponseBody { return ResponseBody{Kind: BodyText, Content: s} }

// HTML returns an HTML body.
func HTML(s string) ResponseBody { return ResponseBody{Kind: BodyHTML, Content: s} }

// Prepend returns the body with prefix placed before its content, keeping its kind.
func (b ResponseBody) Prepend(prefix string) ResponseBody {
	b.Content = prefix + b.Content
	return b
}

func (b ResponseBody) key() string {
	if b.Kind == BodyHTML {
		return "html"
	}
	return "message"
}

// Reply is the answer to a received message.
type Reply struct {
	ConversationID        int64
	Body                  ResponseBody
	FileRequest           *domain.FileRequest
	PossibleAnswers       []string
	EnforcePossibleAnswer bool
}

// MarshalJSON emits the body under "message" or "html" and omits the
// optional fields that are not set.
func (r *Reply) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"conversation_id": r.ConversationID,
		r.Body.key():      r.Body.Content,
	}
	if r.FileRequest != nil {
		out["file_request"] = r.FileRequest
	}
	if len(r.PossibleAnswers) > 0 {
		out["possible_answers"] = r.PossibleAnswers
		if r.EnforcePossibleAnswer {
			out["enforce_possible_answer"] = true
		}
	}
	return json.Marshal(out)
}

// annotationPrefix formats the fact prediction shown before the next question.
func annotationPrefix(factName, value string) string {
	return "Prediction: " + factName + "=" + value + "<br/><br/>Next question: "
}
