// Package message defines the JSON-RPC 2.0 envelopes exchanged between client and server.
//
// Request and Response are the "envelopes" for every RPC call. They are converted to a
// plain value tree (Value) which the codec layer serializes, and rebuilt from a decoded
// tree by ParseRequest / ParseResponse after structural validation.
package message

import (
	"reflect"

	"github.com/google/uuid"

	"query-rpc/rpcerr"
)

// Version is the only protocol version accepted on the wire.
const Version = "2.0"

// NullID is the identifier placeholder used when a reply must be sent for a request whose
// id could not be recovered.
const NullID = "null"

// Wire field names.
const (
	FieldVersion = "jsonrpc"
	FieldMethod  = "method"
	FieldParams  = "params"
	FieldID      = "id"
	FieldResult  = "result"
	FieldError   = "error"
	FieldCode    = "code"
	FieldMessage = "message"
	FieldData    = "data"
)

// Request carries a single method invocation.
//
//   - Params is an ordered sequence ([]any), a mapping (map[string]any) or nil.
//     Empty params are omitted from the wire form.
//   - ID is an opaque string or number; every request built here carries one.
type Request struct {
	JSONRPC string
	Method  string
	Params  any
	ID      any
}

// Response carries exactly one of Result or Error. A nil Error means success, even when
// Result itself is nil.
type Response struct {
	JSONRPC string
	ID      any
	Result  any
	Error   *rpcerr.Error
}

// NewID returns a fresh random UUID v4 string.
func NewID() string {
	return uuid.New().String()
}

// NewRequest builds a request. A nil id is replaced with NewID().
func NewRequest(method string, params any, id any) *Request {
	if id == nil {
		id = NewID()
	}
	if rpcerr.IsEmpty(params) {
		params = nil
	}
	return &Request{JSONRPC: Version, Method: method, Params: params, ID: id}
}

// NewSuccess builds a response with only the result branch populated.
func NewSuccess(result any, id any) *Response {
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

// NewError builds a response with only the error branch populated. Empty data is dropped.
func NewError(code int, msg string, id any, data any) *Response {
	if rpcerr.IsEmpty(data) {
		data = nil
	}
	return &Response{JSONRPC: Version, ID: id, Error: &rpcerr.Error{Code: code, Message: msg, Data: data}}
}

// NewErrorFrom builds an error response carrying err's code, message and data.
func NewErrorFrom(err *rpcerr.Error, id any) *Response {
	return NewError(err.Code, err.Message, id, err.Data)
}

// Value returns the wire value tree of the request.
func (r *Request) Value() map[string]any {
	v := map[string]any{
		FieldVersion: r.JSONRPC,
		FieldMethod:  r.Method,
		FieldID:      r.ID,
	}
	if !rpcerr.IsEmpty(r.Params) {
		v[FieldParams] = r.Params
	}
	return v
}

// Value returns the wire value tree of the response.
func (r *Response) Value() map[string]any {
	v := map[string]any{
		FieldVersion: r.JSONRPC,
		FieldID:      r.ID,
	}
	if r.Error != nil {
		e := map[string]any{
			FieldCode:    int64(r.Error.Code),
			FieldMessage: r.Error.Message,
		}
		if r.Error.HasData() {
			e[FieldData] = r.Error.Data
		}
		v[FieldError] = e
	} else {
		v[FieldResult] = r.Result
	}
	return v
}

// ValidateRequest reports whether v is a structurally valid request: a mapping with
// jsonrpc "2.0", a string method, an id of any type, and params (when present) that are
// a sequence or a mapping. It does not check that the method exists.
func ValidateRequest(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	if !hasVersion(m) {
		return false
	}
	if _, ok := m[FieldMethod].(string); !ok {
		return false
	}
	if _, ok := m[FieldID]; !ok {
		return false
	}
	if params, ok := m[FieldParams]; ok {
		switch params.(type) {
		case []any, map[string]any:
		default:
			return false
		}
	}
	return true
}

// ValidateResponse reports whether v is a structurally valid response: jsonrpc "2.0", an
// id, and exactly one of result or error, where error is a mapping with an integer code
// and a string message.
func ValidateResponse(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	if !hasVersion(m) {
		return false
	}
	if _, ok := m[FieldID]; !ok {
		return false
	}
	_, hasResult := m[FieldResult]
	errVal, hasError := m[FieldError]
	if hasResult == hasError {
		return false
	}
	if hasError {
		e, ok := errVal.(map[string]any)
		if !ok {
			return false
		}
		if _, ok := toInt(e[FieldCode]); !ok {
			return false
		}
		if _, ok := e[FieldMessage].(string); !ok {
			return false
		}
	}
	return true
}

// ParseRequest validates a decoded tree and builds a Request from it.
func ParseRequest(v any) (*Request, error) {
	if !ValidateRequest(v) {
		return nil, rpcerr.InvalidRequest("Invalid Request")
	}
	m := v.(map[string]any)
	return &Request{
		JSONRPC: Version,
		Method:  m[FieldMethod].(string),
		Params:  m[FieldParams],
		ID:      m[FieldID],
	}, nil
}

// ParseResponse validates a decoded tree and builds a Response from it.
// The error branch is mapped through the taxonomy, keeping unknown codes verbatim.
func ParseResponse(v any) (*Response, error) {
	if !ValidateResponse(v) {
		return nil, rpcerr.InvalidRequest("Invalid JSON-RPC response")
	}
	m := v.(map[string]any)
	resp := &Response{JSONRPC: Version, ID: m[FieldID]}
	if e, ok := m[FieldError].(map[string]any); ok {
		code, _ := toInt(e[FieldCode])
		resp.Error = rpcerr.FromCode(code, e[FieldMessage].(string), e[FieldData])
		return resp, nil
	}
	resp.Result = m[FieldResult]
	return resp, nil
}

// ExtractID returns the id of a decoded envelope, or NullID when there is none.
func ExtractID(v any) any {
	if m, ok := v.(map[string]any); ok {
		if id, ok := m[FieldID]; ok && id != nil {
			return id
		}
	}
	return NullID
}

// SameID compares two identifiers after numeric widening, so an id sent as int and
// decoded as int64 still matches.
func SameID(a, b any) bool {
	if ai, ok := toInt64(a); ok {
		bi, ok := toInt64(b)
		return ok && ai == bi
	}
	return reflect.DeepEqual(a, b)
}

func hasVersion(m map[string]any) bool {
	s, ok := m[FieldVersion].(string)
	return ok && s == Version
}

func toInt(v any) (int, bool) {
	i, ok := toInt64(v)
	return int(i), ok
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), n <= 1<<63-1
	case uint:
		return int64(n), uint64(n) <= 1<<63-1
	}
	return 0, false
}
