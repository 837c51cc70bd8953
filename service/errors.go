package service

import (
	"errors"
	"fmt"
)

// Kind classifies a request failure. Decode, preprocess and inference
// failures collapse into one client-facing response but stay distinct
// here so logs can tell them apart.
type Kind string

const (
	KindModelNotLoaded   Kind = "model_not_loaded"
	KindUnsupportedMedia Kind = "unsupported_media_type"
	KindDecode           Kind = "decode_failure"
	KindPreprocess       Kind = "preprocess_failure"
	KindInference        Kind = "inference_failure"
	KindBatchSize        Kind = "batch_size_exceeded"
)

type Error struct {
	Kind     Kind
	Filename string
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, filename, format string, args ...any) *Error {
	return &Error{Kind: kind, Filename: filename, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err, or "" if err carries no kind.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
