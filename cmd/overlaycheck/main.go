// Command overlaycheck validates annotation overlays against a source
// document offline, the same way the API does on import.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"

	"annoremote/api/internal/codec"
	"annoremote/api/internal/compat"
)

var errMismatch = errors.New("overlay does not match source document")

var CLI struct {
	Check   CheckCmd   `cmd:"" help:"Check an overlay against a source document"`
	Convert ConvertCmd `cmd:"" help:"Re-encode a document in another format"`
	Formats FormatsCmd `cmd:"" help:"List supported formats"`
}

type CheckCmd struct {
	Source       string `name:"source" short:"s" required:"" type:"existingfile" help:"Source document"`
	SourceFormat string `name:"source-format" default:"json" help:"Format of the source document"`
	Format       string `name:"format" short:"f" default:"json" help:"Format of the overlay"`
	Overlay      string `arg:"" type:"existingfile" help:"Overlay to check"`
}

func (c *CheckCmd) Run() error {
	return runCheck(os.Stdout, codec.Default(), c.Source, c.SourceFormat, c.Overlay, c.Format)
}

type ConvertCmd struct {
	From   string `name:"from" default:"json" help:"Input format"`
	To     string `name:"to" required:"" help:"Output format"`
	Input  string `arg:"" type:"existingfile" help:"Input document"`
	Output string `name:"output" short:"o" help:"Output file (default: stdout)"`
}

func (c *ConvertCmd) Run() error {
	if c.Output != "" {
		return convertToFile(c.Output, codec.Default(), c.Input, c.From, c.To)
	}
	return runConvert(os.Stdout, codec.Default(), c.Input, c.From, c.To)
}

type FormatsCmd struct{}

func (c *FormatsCmd) Run() error {
	for _, id := range codec.Default().IDs() {
		fmt.Println(id)
	}
	return nil
}

func runCheck(out io.Writer, codecs *codec.Registry, sourcePath, sourceFormat, overlayPath, overlayFormat string) error {
	src, err := os.Open(sourcePath)
	if err != nil {
		return err
	}
	defer src.Close()
	decoded, err := codecs.Decode(sourceFormat, src)
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}
	source := decoded.Canonical(sourcePath, "", sourcePath, sourceFormat)

	upload, err := os.Open(overlayPath)
	if err != nil {
		return err
	}
	defer upload.Close()

	pipeline := compat.New(codecs, nil, compat.Options{})
	_, err = pipeline.Validate(compat.Submission{Document: source, Format: overlayFormat, Upload: upload})
	report, ok := compat.ReportFor(err)
	if !ok {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(report); encErr != nil {
		return encErr
	}
	if !report.Matched {
		return errMismatch
	}
	return nil
}

func runConvert(out io.Writer, codecs *codec.Registry, inputPath, from, to string) error {
	if _, err := codecs.Lookup(to); err != nil {
		return err
	}
	in, err := os.Open(inputPath)
	if err != nil {
		return err
	}
	defer in.Close()
	overlay, err := codecs.Decode(from, in)
	if err != nil {
		return err
	}
	return codecs.Encode(to, out, overlay)
}

func convertToFile(outputPath string, codecs *codec.Registry, inputPath, from, to string) error {
	f, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	if err := runConvert(f, codecs, inputPath, from, to); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", outputPath, err)
	}
	return nil
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("overlaycheck"),
		kong.Description("Validate annotation overlays against source documents"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	err := ctx.Run()
	if errors.Is(err, errMismatch) {
		os.Exit(1)
	}
	ctx.FatalIfErrorf(err)
}
