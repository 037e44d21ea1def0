// Package rpcerr carries the error kinds the bundler reports back to UserOperation
// submitters. Codes follow the EIP-4337 JSON-RPC error table.
package rpcerr

import (
	"errors"
	"fmt"
)

type Code int

const (
	InvalidFields         Code = -32602
	SimulateValidation    Code = -32500
	OpcodeValidation      Code = -32502
	NotInTimeRange        Code = -32503
	Reputation            Code = -32504
	InsufficientStake     Code = -32505
	InvalidSignature      Code = -32507
	InternalError         Code = -32603
	MethodNotFound        Code = -32601
	UserOperationReverted Code = -32521
)

var codeNames = map[Code]string{
	InvalidFields:         "InvalidFields",
	SimulateValidation:    "SimulateValidation",
	OpcodeValidation:      "OpcodeValidation",
	NotInTimeRange:        "NotInTimeRange",
	Reputation:            "Reputation",
	InsufficientStake:     "InsufficientStake",
	InvalidSignature:      "InvalidSignature",
	InternalError:         "InternalError",
	MethodNotFound:        "MethodNotFound",
	UserOperationReverted: "UserOperationReverted",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error is a bundler error with a JSON-RPC code and optional structured data,
// e.g. {"paymaster": "0x..."} for a reputation failure.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithData returns the error with key set in its data map.
func (e *Error) WithData(key string, value any) *Error {
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	e.Data[key] = value
	return e
}

func (e *Error) Error() string {
	return e.Message
}

// ErrorCode satisfies go-ethereum's rpc.Error so the code survives an RPC boundary.
func (e *Error) ErrorCode() int {
	return int(e.Code)
}

// ErrorData satisfies go-ethereum's rpc.DataError.
func (e *Error) ErrorData() interface{} {
	return e.Data
}

// Is matches any *Error with the same code, so errors.Is(err, rpcerr.New(code, ""))
// checks the kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the code carried by err, or InternalError when err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return InternalError
}

// HasCode reports whether err carries code.
func HasCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
