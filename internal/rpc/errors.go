package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrConnClosed fails calls that were pending when the connection went away.
	ErrConnClosed = errors.New("rpc: connection closed")
	// ErrUnknownMethod is returned for calls to a method with no handler.
	ErrUnknownMethod = errors.New("rpc: unknown method")
)

// RemoteError is a handler failure rebuilt on the calling side.
type RemoteError struct {
	ErrName string
	Msg     string
	Stack   string

	sentinel error
}

func (e *RemoteError) Error() string { return e.Msg }

// Name returns the error name reported by the remote side.
func (e *RemoteError) Name() string { return e.ErrName }

// Unwrap returns the registered sentinel for Name, if any.
func (e *RemoteError) Unwrap() error { return e.sentinel }

type registeredError struct {
	name     string
	sentinel error
}

var (
	errorsMu   sync.RWMutex
	errorNames []registeredError
)

// RegisterError maps sentinel to name so errors.Is keeps working across the
// connection. Both sides must register the same pairs; registering a name
// again replaces its sentinel.
func RegisterError(name string, sentinel error) {
	errorsMu.Lock()
	defer errorsMu.Unlock()
	for i, r := range errorNames {
		if r.name == name {
			errorNames[i].sentinel = sentinel
			return
		}
	}
	errorNames = append(errorNames, registeredError{name: name, sentinel: sentinel})
}

func init() {
	RegisterError("AbortError", context.Canceled)
	RegisterError("TimeoutError", context.DeadlineExceeded)
	RegisterError("rpc.UnknownMethod", ErrUnknownMethod)
	RegisterError("rpc.ConnClosed", ErrConnClosed)
}

func sentinelFor(name string) error {
	errorsMu.RLock()
	defer errorsMu.RUnlock()
	for _, r := range errorNames {
		if r.name == name {
			return r.sentinel
		}
	}
	return nil
}

// errorName picks a stable name for err: its own Name method, then a
// registered sentinel it wraps, then its Go type. Plain errors from the errors
// and fmt packages are all named "Error".
func errorName(err error) string {
	var named interface{ Name() string }
	if errors.As(err, &named) {
		if n := named.Name(); n != "" {
			return n
		}
	}
	errorsMu.RLock()
	for _, r := range errorNames {
		if errors.Is(err, r.sentinel) {
			errorsMu.RUnlock()
			return r.name
		}
	}
	errorsMu.RUnlock()
	switch typ := fmt.Sprintf("%T", err); typ {
	case "*errors.errorString", "*errors.joinError", "*fmt.wrapError", "*fmt.wrapErrors":
		return "Error"
	default:
		return typ
	}
}

func errorInfo(err error) *ErrorInfo {
	info := &ErrorInfo{Name: errorName(err), Message: err.Error()}
	var remote *RemoteError
	if errors.As(err, &remote) {
		info.Stack = remote.Stack
	}
	return info
}

func remoteError(info *ErrorInfo) error {
	if info == nil {
		return &RemoteError{ErrName: "Error", Msg: "rpc: error response without details"}
	}
	return &RemoteError{
		ErrName:  info.Name,
		Msg:      info.Message,
		Stack:    info.Stack,
		sentinel: sentinelFor(info.Name),
	}
}
