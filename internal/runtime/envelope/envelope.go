// Package envelope converts wire bytes into command and event pairs and
// renders the reply envelope written back to callers.
package envelope

import (
	"errors"
	"fmt"
)

const (
	ResultOK    = "ok"
	ResultError = "error"

	commandKey = "cmd"
	eventKey   = "event"
	dataKey    = "data"
)

// ErrMalformed is returned for bodies that are not a well formed envelope.
// Callers treat it as a client error; it never reaches the pipeline.
var ErrMalformed = errors.New("replyflow: malformed envelope")

// Request is a decoded command submission.
type Request struct {
	Command string
	Data    map[string]any
}

// Event is a decoded event notification.
type Event struct {
	Name string
	Data map[string]any
}

// Reply is the envelope written for every command that reaches the pipeline.
type Reply struct {
	Result string `json:"result"`
	Data   any    `json:"data,omitempty"`
}

// ErrorData is the payload of an error reply.
type ErrorData struct {
	Code  int    `json:"code"`
	Error string `json:"error"`
}

// DecodeRequest parses {"cmd": ..., "data": {...}}. A missing data member
// decodes to an empty map.
func DecodeRequest(body []byte) (Request, error) {
	name, data, err := decodePair(body, commandKey)
	if err != nil {
		return Request{}, err
	}
	return Request{Command: name, Data: data}, nil
}

// DecodeEvent parses {"event": ..., "data": {...}}.
func DecodeEvent(body []byte) (Event, error) {
	name, data, err := decodePair(body, eventKey)
	if err != nil {
		return Event{}, err
	}
	return Event{Name: name, Data: data}, nil
}

func decodePair(body []byte, nameKey string) (string, map[string]any, error) {
	var raw map[string]any
	if err := Unmarshal(body, &raw); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw == nil {
		return "", nil, fmt.Errorf("%w: body is not an object", ErrMalformed)
	}

	name, ok := raw[nameKey].(string)
	if !ok || name == "" {
		return "", nil, fmt.Errorf("%w: %q must be a non-empty string", ErrMalformed, nameKey)
	}

	data := map[string]any{}
	if value, present := raw[dataKey]; present && value != nil {
		obj, ok := value.(map[string]any)
		if !ok {
			return "", nil, fmt.Errorf("%w: %q must be an object", ErrMalformed, dataKey)
		}
		data = obj
	}
	return name, data, nil
}

// Success builds {"result":"ok","data":...}; data is omitted when empty.
func Success(data map[string]any) Reply {
	reply := Reply{Result: ResultOK}
	if len(data) > 0 {
		reply.Data = data
	}
	return reply
}

// Failure builds {"result":"error","data":{"code":...,"error":...}}.
func Failure(code int, text string) Reply {
	return Reply{Result: ResultError, Data: ErrorData{Code: code, Error: text}}
}

// Bytes encodes the envelope.
func (r Reply) Bytes() ([]byte, error) {
	return Marshal(r)
}
