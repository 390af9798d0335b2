// Package codec maps format identifiers to the decoders and encoders used to
// read uploaded annotation documents and to export stored ones.
package codec

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"annoremote/api/internal/document"
)

// Codec is a paired decode/encode capability for one format identifier.
type Codec interface {
	ID() string
	Decode(r io.Reader) (*document.Overlay, error)
	Encode(w io.Writer, overlay *document.Overlay) error
}

// ErrUnsupportedFormat is matched by every UnsupportedFormatError.
var ErrUnsupportedFormat = errors.New("unsupported format")

// UnsupportedFormatError reports a format id with no registered codec.
type UnsupportedFormatError struct {
	Requested string
	Supported []string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("Format [%s] not supported. Acceptable formats are [%s].", e.Requested, strings.Join(e.Supported, ", "))
}

func (e *UnsupportedFormatError) Unwrap() error {
	return ErrUnsupportedFormat
}

// Registry is an immutable format table built once at startup.
type Registry struct {
	codecs map[string]Codec
	ids    []string
}

// NewRegistry builds a registry from codecs. Empty, padded or duplicate ids
// are rejected; Lookup matches ids exactly.
func NewRegistry(codecs ...Codec) (*Registry, error) {
	table := make(map[string]Codec, len(codecs))
	ids := make([]string, 0, len(codecs))
	for _, c := range codecs {
		id := c.ID()
		if strings.TrimSpace(id) == "" {
			return nil, errors.New("codec id is required")
		}
		if strings.TrimSpace(id) != id {
			return nil, fmt.Errorf("codec id %q has surrounding whitespace", id)
		}
		if _, exists := table[id]; exists {
			return nil, fmt.Errorf("codec %q registered twice", id)
		}
		table[id] = c
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return &Registry{codecs: table, ids: ids}, nil
}

// Default returns the registry of built-in formats.
func Default() *Registry {
	registry, err := NewRegistry(JSON{}, CompressedJSON{}, XMI{})
	if err != nil {
		panic(err)
	}
	return registry
}

// IDs returns the registered format ids in sorted order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}

// Lookup returns the codec for id or an *UnsupportedFormatError.
func (r *Registry) Lookup(id string) (Codec, error) {
	c, ok := r.codecs[id]
	if !ok {
		return nil, &UnsupportedFormatError{Requested: id, Supported: r.IDs()}
	}
	return c, nil
}

func (r *Registry) Decode(id string, src io.Reader) (*document.Overlay, error) {
	c, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}
	overlay, err := c.Decode(src)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}
	return overlay, nil
}

func (r *Registry) Encode(id string, dst io.Writer, overlay *document.Overlay) error {
	c, err := r.Lookup(id)
	if err != nil {
		return err
	}
	if err := c.Encode(dst, overlay); err != nil {
		return fmt.Errorf("encode %s: %w", id, err)
	}
	return nil
}
