package grasshopper

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/klyr/klyr/internal/request"
)

// Buffer is a Library handle for a callee-allocated, NUL-terminated response.
type Buffer uintptr

// Library is the native verification ABI. Every non-zero Buffer returned
// by IsHuman or VerifyChallenge must be released with Free exactly once.
// Read copies the buffer contents.
type Library interface {
	IsHuman(input []byte, mode Mode) (Buffer, bool)
	VerifyChallenge(input []byte) (Buffer, bool)
	Read(b Buffer) []byte
	Free(b Buffer)
}

// CallError carries the text a native call returned alongside failure.
type CallError struct {
	Op      string
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("grasshopper %s: %s", e.Op, e.Message)
}

var (
	ErrNulInput      = errors.New("grasshopper: null character in JSON encoded input")
	ErrEmptyResponse = errors.New("grasshopper: empty response")
)

// Native calls a Library.
type Native struct {
	lib Library
}

func NewNative(lib Library) *Native {
	return &Native{lib: lib}
}

func (n *Native) IsHuman(q Query, mode Mode) (Response, error) {
	input, err := encode(q)
	if err != nil {
		return Response{}, err
	}

	var resp Response
	err = n.call("is_human", func() (Buffer, bool) {
		return n.lib.IsHuman(input, mode)
	}, func(out []byte) error {
		if err := json.Unmarshal(out, &resp); err != nil {
			return fmt.Errorf("grasshopper is_human: decode response: %w", err)
		}
		return nil
	})
	if err != nil {
		return Response{}, err
	}
	return resp, nil
}

func (n *Native) VerifyChallenge(headers *request.Field) (string, error) {
	input, err := encode(headers)
	if err != nil {
		return "", err
	}

	var token string
	err = n.call("verify_challenge", func() (Buffer, bool) {
		return n.lib.VerifyChallenge(input)
	}, func(out []byte) error {
		token = string(out)
		return nil
	})
	return token, err
}

// call invokes the library and releases the returned buffer on every path.
func (n *Native) call(op string, invoke func() (Buffer, bool), decode func([]byte) error) error {
	buf, ok := invoke()
	if buf == 0 {
		if ok {
			return ErrEmptyResponse
		}
		return &CallError{Op: op, Message: "no response"}
	}
	defer n.lib.Free(buf)

	out := n.lib.Read(buf)
	if !ok {
		return &CallError{Op: op, Message: string(out)}
	}
	return decode(out)
}

func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("grasshopper: encode input: %w", err)
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return nil, ErrNulInput
	}
	return data, nil
}

// Open returns the gateway for a configured library path. An empty path
// means no capability and yields nil. A library that fails to load falls
// back to Stub.
func Open(path string, logger *slog.Logger) Gateway {
	if path == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	lib, err := OpenLibrary(path)
	if err != nil {
		logger.Error("grasshopper library unavailable, using stub", "path", path, "error", err)
		return Stub{}
	}
	logger.Info("grasshopper library loaded", "path", path)
	return NewNative(lib)
}
