package accurion

import (
	"errors"
	"fmt"
)

var (
	// ErrFormat is matched by every *FormatError.
	ErrFormat = errors.New("accurion: invalid image format")
	// ErrUnsupported reports a valid but unhandled image layout.
	ErrUnsupported = errors.New("accurion: unsupported image type")
	// ErrNotImplemented is returned by operations that are deliberately absent.
	ErrNotImplemented = errors.New("accurion: not implemented")
)

// FormatError reports a structural violation in the chunk stream.
type FormatError struct {
	Chunk  string // chunk type being processed, empty for the signature
	Offset int64  // byte offset of the chunk start
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	msg := "accurion: " + e.Reason
	if e.Chunk != "" {
		msg += fmt.Sprintf(" (chunk %q at offset %d)", e.Chunk, e.Offset)
	} else {
		msg += fmt.Sprintf(" (offset %d)", e.Offset)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FormatError) Unwrap() error { return e.Err }

// Is makes every FormatError match ErrFormat.
func (e *FormatError) Is(target error) bool { return target == ErrFormat }

// IOError reports a failure of the underlying file or stream.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path == "" {
		return "accurion: " + e.Op + ": " + e.Err.Error()
	}
	return "accurion: " + e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *IOError) Unwrap() error { return e.Err }
