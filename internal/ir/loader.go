package ir

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// ParseError reports a malformed or unsupported serialized module. It is
// fatal for that module only: the driver logs it and continues with the
// remaining modules.
type ParseError struct {
	Path string // input file, empty when decoding from a plain reader
	Err  error
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("parse IR module: %v", e.Err)
	}
	return fmt.Sprintf("parse IR module %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Load reads and decodes one serialized IR module file.
func Load(path string) (*Module, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	defer f.Close()

	m, err := Decode(f)
	if err != nil {
		var perr *ParseError
		if errors.As(err, &perr) {
			perr.Path = path
			return nil, perr
		}
		return nil, &ParseError{Path: path, Err: err}
	}
	return m, nil
}

// Decode decodes one serialized IR module from r, checks the format version,
// and resolves the derived graph state.
func Decode(r io.Reader) (*Module, error) {
	var m Module
	dec := json.NewDecoder(r)
	if err := dec.Decode(&m); err != nil {
		return nil, &ParseError{Err: err}
	}
	if m.FormatVersion != FormatVersion {
		return nil, &ParseError{Err: fmt.Errorf("unsupported format_version %d (want %d)", m.FormatVersion, FormatVersion)}
	}
	if m.Name == "" {
		return nil, &ParseError{Err: fmt.Errorf("missing module name")}
	}
	if err := m.Resolve(); err != nil {
		return nil, &ParseError{Err: err}
	}
	return &m, nil
}
