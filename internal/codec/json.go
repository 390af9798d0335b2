package codec

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/ulikunitz/xz"

	"annoremote/api/internal/document"
)

// JSON is the service's native overlay document.
type JSON struct{}

func (JSON) ID() string { return "json" }

func (JSON) Decode(r io.Reader) (*document.Overlay, error) {
	var overlay document.Overlay
	if err := json.NewDecoder(r).Decode(&overlay); err != nil {
		return nil, fmt.Errorf("invalid overlay JSON: %w", err)
	}
	return &overlay, nil
}

func (JSON) Encode(w io.Writer, overlay *document.Overlay) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(overlay)
}

// CompressedJSON is the native document wrapped in an xz stream.
type CompressedJSON struct{}

func (CompressedJSON) ID() string { return "json+xz" }

func (CompressedJSON) Decode(r io.Reader) (*document.Overlay, error) {
	reader, err := xz.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open xz stream: %w", err)
	}
	return JSON{}.Decode(reader)
}

func (CompressedJSON) Encode(w io.Writer, overlay *document.Overlay) error {
	writer, err := xz.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create xz writer: %w", err)
	}
	if err := (JSON{}).Encode(writer, overlay); err != nil {
		_ = writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close xz writer: %w", err)
	}
	return nil
}
