package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the JSON-RPC version tag written on every envelope.
const Version = "2.0"

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Kind identifies which shape a decoded envelope has.
type Kind int

const (
	// KindCall is a request that expects a Result with the same token.
	KindCall Kind = iota + 1
	// KindResult answers a Call.
	KindResult
	// KindNotification is a one-way message without a token.
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindResult:
		return "result"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// ErrorObject is the failure descriptor carried by a failed Result.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Call is a request sent to the peer.
type Call struct {
	Token  string
	Method string
	Params json.RawMessage
}

// Result answers a Call. Exactly one of Result and Error is set.
type Result struct {
	Token  string
	Result json.RawMessage
	Error  *ErrorObject
}

// IsError reports whether the result carries a failure descriptor.
func (r *Result) IsError() bool {
	return r.Error != nil
}

// Notification is a one-way message.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Envelope is one decoded line. Exactly one of Call, Result and Notification
// is non-nil, matching Kind.
type Envelope struct {
	Kind         Kind
	Call         *Call
	Result       *Result
	Notification *Notification
}

// wireMessage is the union of all fields that may appear on the wire.
type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// Shape violations reported by Decode.
var (
	ErrEmptyLine        = errors.New("empty line")
	ErrMissingToken     = errors.New("result without id")
	ErrAmbiguousResult  = errors.New("result carries both result and error")
	ErrEmptyResult      = errors.New("result carries neither result nor error")
	ErrInvalidToken     = errors.New("id must be a string or a number")
	ErrUnexpectedFields = errors.New("call or notification carries result fields")
)

// Decode parses a single line into an Envelope.
func Decode(line []byte) (*Envelope, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, ErrEmptyLine
	}

	var msg wireMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	token, hasToken, err := decodeToken(msg.ID)
	if err != nil {
		return nil, err
	}

	if msg.Method != "" {
		if len(msg.Result) > 0 || msg.Error != nil {
			return nil, ErrUnexpectedFields
		}

		if hasToken {
			return &Envelope{
				Kind: KindCall,
				Call: &Call{Token: token, Method: msg.Method, Params: msg.Params},
			}, nil
		}

		return &Envelope{
			Kind:         KindNotification,
			Notification: &Notification{Method: msg.Method, Params: msg.Params},
		}, nil
	}

	hasResult := len(msg.Result) > 0
	hasError := msg.Error != nil

	switch {
	case !hasToken && !hasError:
		// A null id is only valid on an error answering an unparseable line.
		return nil, ErrMissingToken
	case hasResult && hasError:
		return nil, ErrAmbiguousResult
	case !hasResult && !hasError:
		return nil, ErrEmptyResult
	}

	return &Envelope{
		Kind:   KindResult,
		Result: &Result{Token: token, Result: msg.Result, Error: msg.Error},
	}, nil
}

// decodeToken normalizes a JSON string or number id to its text form.
// A missing or null id reports hasToken=false.
func decodeToken(raw json.RawMessage) (string, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", false, nil
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}

		return s, true, nil
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", false, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}

		return n.String(), true, nil
	default:
		return "", false, ErrInvalidToken
	}
}

// EncodeCall serializes a Call as a single line without the trailing newline.
func EncodeCall(token, method string, params any) ([]byte, error) {
	rawParams, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	id, err := json.Marshal(token)
	if err != nil {
		return nil, fmt.Errorf("marshal id: %w", err)
	}

	return marshalWire(&wireMessage{JSONRPC: Version, ID: id, Method: method, Params: rawParams})
}

// EncodeNotification serializes a Notification as a single line.
func EncodeNotification(method string, params any) ([]byte, error) {
	rawParams, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	return marshalWire(&wireMessage{JSONRPC: Version, Method: method, Params: rawParams})
}

// EncodeResult serializes a success Result. A nil result is written as an
// empty object so the line always carries exactly one outcome.
func EncodeResult(token string, result any) ([]byte, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}

	if bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}

	id, err := json.Marshal(token)
	if err != nil {
		return nil, fmt.Errorf("marshal id: %w", err)
	}

	return marshalWire(&wireMessage{JSONRPC: Version, ID: id, Result: raw})
}

// EncodeError serializes a failed Result. An empty token is written as null,
// which is how a peer answers a line it could not parse.
func EncodeError(token string, code int, message string) ([]byte, error) {
	id := json.RawMessage("null")

	if token != "" {
		var err error

		id, err = json.Marshal(token)
		if err != nil {
			return nil, fmt.Errorf("marshal id: %w", err)
		}
	}

	return marshalWire(&wireMessage{
		JSONRPC: Version,
		ID:      id,
		Error:   &ErrorObject{Code: code, Message: message},
	})
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return json.RawMessage("{}"), nil
	}

	if raw, ok := params.(json.RawMessage); ok {
		if len(raw) == 0 {
			return json.RawMessage("{}"), nil
		}

		return raw, nil
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	return raw, nil
}

func marshalWire(msg *wireMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	return data, nil
}
