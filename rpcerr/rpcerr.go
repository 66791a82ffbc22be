// Package rpcerr defines the error taxonomy shared by client and server.
//
// Every failure surfaced to a caller is an *Error carrying a wire-visible code, a
// human-readable message and optional structured data. The code table is fixed:
//
//	Parse           -32700
//	InvalidRequest  -32600
//	MethodNotFound  -32601
//	InvalidParams   -32602
//	Internal        -32603
//	Server          -32000
//	Connection      -32001
//	Timeout         -32002
//
// Codes outside the table decode to the Server kind with the original code kept.
package rpcerr

import (
	"errors"
	"fmt"
)

// Kind identifies one entry of the taxonomy.
type Kind int

const (
	KindServer Kind = iota // also the fallback for unrecognized codes
	KindParse
	KindInvalidRequest
	KindMethodNotFound
	KindInvalidParams
	KindInternal
	KindConnection
	KindTimeout
)

// Wire codes. Never renumber.
const (
	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeServer         = -32000
	CodeConnection     = -32001
	CodeTimeout        = -32002
)

type kindInfo struct {
	name    string
	code    int
	message string
}

var kinds = map[Kind]kindInfo{
	KindParse:          {"Parse", CodeParse, "Invalid payload received"},
	KindInvalidRequest: {"InvalidRequest", CodeInvalidRequest, "The request is not a valid Request object"},
	KindMethodNotFound: {"MethodNotFound", CodeMethodNotFound, "The method does not exist / is not available"},
	KindInvalidParams:  {"InvalidParams", CodeInvalidParams, "Invalid method parameter(s)"},
	KindInternal:       {"Internal", CodeInternal, "Internal protocol error"},
	KindServer:         {"Server", CodeServer, "Server error"},
	KindConnection:     {"Connection", CodeConnection, "Connection to server failed"},
	KindTimeout:        {"Timeout", CodeTimeout, "Request timed out"},
}

var byCode = func() map[int]Kind {
	m := make(map[int]Kind, len(kinds))
	for k, info := range kinds {
		m[info.code] = k
	}
	return m
}()

// Code returns the fixed wire code of the kind.
func (k Kind) Code() int {
	return kinds[k].code
}

// DefaultMessage returns the message used when a constructor is given none.
func (k Kind) DefaultMessage() string {
	return kinds[k].message
}

func (k Kind) String() string {
	if info, ok := kinds[k]; ok {
		return info.name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// KindOf maps a wire code to its kind. Unknown codes map to KindServer.
func KindOf(code int) Kind {
	if k, ok := byCode[code]; ok {
		return k
	}
	return KindServer
}

// Error is a taxonomy error. Data is omitted from the wire form when empty.
type Error struct {
	Code    int
	Message string
	Data    any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error %d: %s", e.Kind(), e.Code, e.Message)
}

// Kind reports the taxonomy kind, falling back to KindServer for codes outside the table.
func (e *Error) Kind() Kind {
	return KindOf(e.Code)
}

// HasData reports whether the error carries a non-empty data payload.
func (e *Error) HasData() bool {
	return !IsEmpty(e.Data)
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrTimeout) works on
// errors decoded from the wire.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind() == t.Kind()
}

// WithData returns a copy of e carrying data.
func (e *Error) WithData(data any) *Error {
	cp := *e
	cp.Data = data
	return &cp
}

// WithMessagef returns a copy of e with a formatted message.
func (e *Error) WithMessagef(format string, args ...any) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// Sentinels for errors.Is. Do not mutate; use WithMessagef / WithData for variants.
var (
	ErrParse          = New(KindParse, "", nil)
	ErrInvalidRequest = New(KindInvalidRequest, "", nil)
	ErrMethodNotFound = New(KindMethodNotFound, "", nil)
	ErrInvalidParams  = New(KindInvalidParams, "", nil)
	ErrInternal       = New(KindInternal, "", nil)
	ErrServer         = New(KindServer, "", nil)
	ErrConnection     = New(KindConnection, "", nil)
	ErrTimeout        = New(KindTimeout, "", nil)
)

// New builds an error of the given kind. An empty message selects the kind's default.
func New(kind Kind, message string, data any) *Error {
	if message == "" {
		message = kind.DefaultMessage()
	}
	return &Error{Code: kind.Code(), Message: message, Data: data}
}

// FromCode builds an error from wire fields. The code is preserved verbatim even when it
// is not part of the table.
func FromCode(code int, message string, data any) *Error {
	if message == "" {
		message = KindOf(code).DefaultMessage()
	}
	if IsEmpty(data) {
		data = nil
	}
	return &Error{Code: code, Message: message, Data: data}
}

func Parse(message string) *Error          { return New(KindParse, message, nil) }
func InvalidRequest(message string) *Error { return New(KindInvalidRequest, message, nil) }
func MethodNotFound(message string) *Error { return New(KindMethodNotFound, message, nil) }
func InvalidParams(message string) *Error  { return New(KindInvalidParams, message, nil) }
func Internal(message string) *Error       { return New(KindInternal, message, nil) }
func Server(message string) *Error         { return New(KindServer, message, nil) }
func Connection(message string) *Error     { return New(KindConnection, message, nil) }
func Timeout(message string) *Error        { return New(KindTimeout, message, nil) }

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsEmpty reports whether a data payload counts as absent on the wire:
// nil, an empty map or an empty slice.
func IsEmpty(data any) bool {
	switch v := data.(type) {
	case nil:
		return true
	case map[string]any:
		return len(v) == 0
	case []any:
		return len(v) == 0
	case map[string]string:
		return len(v) == 0
	case []string:
		return len(v) == 0
	}
	return false
}
