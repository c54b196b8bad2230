package ingress

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// EndMarker as a fileName closes the batch.
const EndMarker = "END"

// Reply statuses. Terminal task replies carry the task status itself
// (SUCCESS or FAILURE).
const (
	StatusAuthenticated = "authenticated"
	StatusReceived      = "received"
	StatusAccepted      = "accepted"
	StatusDuplicate     = "duplicate"
	StatusError         = "error"
	StatusBatchComplete = "batch_complete"
)

// Reply codes mirror HTTP where one fits.
const (
	CodeBadRequest   = 400
	CodeUnauthorized = 401
	CodeTooLarge     = 413
	CodeIdle         = 408
	CodeRateLimited  = 429
	CodeUnavailable  = 503
)

//go:embed schema/client_message.json
var clientMessageSchema string

// ClientMessage is one frame from an upload client. A frame is a chunk
// (fileName+fileData), an end-of-file marker (fileName+eof), the END
// marker, or an auth frame (token only). Chunks may also repeat the token.
type ClientMessage struct {
	FileName string `json:"fileName,omitempty"`
	FileData string `json:"fileData,omitempty"`
	EOF      bool   `json:"eof,omitempty"`
	Token    string `json:"token,omitempty"`
}

// Reply is one frame sent to an upload client.
type Reply struct {
	Status       string `json:"status"`
	ConnectionID string `json:"connectionId,omitempty"`
	FileName     string `json:"fileName,omitempty"`
	TaskID       string `json:"taskId,omitempty"`
	Chunk        int    `json:"chunk,omitempty"`
	Bytes        int    `json:"bytes,omitempty"`
	Tasks        int    `json:"tasks,omitempty"`
	Error        string `json:"error,omitempty"`
	Kind         string `json:"kind,omitempty"`
	Code         int    `json:"code,omitempty"`
}

func compileClientSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(clientMessageSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal client schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("client_message.json", doc); err != nil {
		return nil, fmt.Errorf("add client schema: %w", err)
	}
	schema, err := c.Compile("client_message.json")
	if err != nil {
		return nil, fmt.Errorf("compile client schema: %w", err)
	}
	return schema, nil
}

// decodeMessage validates a raw frame against the client schema before
// decoding it.
func decodeMessage(schema *jsonschema.Schema, raw []byte) (ClientMessage, error) {
	var msg ClientMessage
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return msg, fmt.Errorf("malformed JSON: %v", err)
	}
	if err := schema.Validate(doc); err != nil {
		return msg, fmt.Errorf("invalid message: %s", flatten(err.Error()))
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, fmt.Errorf("malformed JSON: %v", err)
	}
	return msg, nil
}

func flatten(s string) string {
	lines := strings.FieldsFunc(s, func(r rune) bool { return r == '\n' })
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return strings.Join(lines, "; ")
}
