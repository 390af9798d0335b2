package codec

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"

	"github.com/antchfx/xmlquery"

	"annoremote/api/internal/document"
)

const (
	nsXMI     = "http://www.omg.org/XMI"
	nsCAS     = "http:///uima/cas.ecore"
	nsTCAS    = "http:///uima/tcas.ecore"
	nsSegment = "http:///de/tudarmstadt/ukp/dkpro/core/api/segmentation/type.ecore"
	nsCustom  = "http:///webanno/custom.ecore"
)

var layerName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*$`)

// XMI reads and writes a UIMA XMI shaped document with a single view. The
// sofa carries the text; Sentence and Token elements carry the segmentation;
// any other element with begin/end offsets becomes a layered annotation.
type XMI struct{}

func (XMI) ID() string { return "xmi" }

func (XMI) Decode(r io.Reader) (*document.Overlay, error) {
	root, err := xmlquery.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse xmi: %w", err)
	}

	var (
		text        string
		haveSofa    bool
		docSpan     *document.Span
		sentences   []document.Span
		tokens      []document.Span
		annotations []document.Annotation
	)
	for _, node := range xmlquery.Find(root, "/*/*") {
		switch node.Data {
		case "Sofa":
			text = node.SelectAttr("sofaString")
			haveSofa = true
		case "DocumentAnnotation":
			span, err := spanOf(node)
			if err != nil {
				return nil, err
			}
			docSpan = &span
		case "Sentence":
			span, err := spanOf(node)
			if err != nil {
				return nil, err
			}
			sentences = append(sentences, span)
		case "Token":
			span, err := spanOf(node)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, span)
		default:
			if !hasAttr(node, "begin") || !hasAttr(node, "end") {
				continue
			}
			span, err := spanOf(node)
			if err != nil {
				return nil, err
			}
			annotations = append(annotations, document.Annotation{
				Layer: node.Data,
				Label: node.SelectAttr("value"),
				Span:  span,
			})
		}
	}
	if !haveSofa {
		return nil, errors.New("xmi document has no Sofa")
	}

	overlay := document.NewOverlay(text, sentences, tokens, annotations)
	if docSpan != nil {
		overlay.DocumentSpan = *docSpan
	}
	return overlay, nil
}

func (XMI) Encode(w io.Writer, overlay *document.Overlay) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")

	root := xml.StartElement{
		Name: xml.Name{Local: "xmi:XMI"},
		Attr: []xml.Attr{
			attr("xmlns:xmi", nsXMI),
			attr("xmlns:cas", nsCAS),
			attr("xmlns:tcas", nsTCAS),
			attr("xmlns:type", nsSegment),
			attr("xmlns:custom", nsCustom),
			attr("xmi:version", "2.0"),
		},
	}
	if err := enc.EncodeToken(root); err != nil {
		return fmt.Errorf("write xmi root: %w", err)
	}

	nextID := 1
	id := func() xml.Attr {
		nextID++
		return attr("xmi:id", strconv.Itoa(nextID))
	}
	if err := writeEmpty(enc, "cas:Sofa",
		attr("xmi:id", "1"),
		attr("sofaNum", "1"),
		attr("sofaID", "_InitialView"),
		attr("mimeType", "text"),
		attr("sofaString", overlay.Text()),
	); err != nil {
		return err
	}
	if err := writeEmpty(enc, "tcas:DocumentAnnotation", spanAttrs(id(), overlay.DocumentSpan)...); err != nil {
		return err
	}
	for _, span := range overlay.Sentences {
		if err := writeEmpty(enc, "type:Sentence", spanAttrs(id(), span)...); err != nil {
			return err
		}
	}
	for _, span := range overlay.Tokens {
		if err := writeEmpty(enc, "type:Token", spanAttrs(id(), span)...); err != nil {
			return err
		}
	}
	for _, annotation := range overlay.Annotations {
		if !layerName.MatchString(annotation.Layer) {
			return fmt.Errorf("layer name %q is not a valid XML name", annotation.Layer)
		}
		attrs := spanAttrs(id(), annotation.Span)
		if annotation.Label != "" {
			attrs = append(attrs, attr("value", annotation.Label))
		}
		if err := writeEmpty(enc, "custom:"+annotation.Layer, attrs...); err != nil {
			return err
		}
	}

	if err := enc.EncodeToken(root.End()); err != nil {
		return fmt.Errorf("close xmi root: %w", err)
	}
	return enc.Flush()
}

func spanOf(node *xmlquery.Node) (document.Span, error) {
	begin, err := strconv.Atoi(node.SelectAttr("begin"))
	if err != nil {
		return document.Span{}, fmt.Errorf("%s: invalid begin offset: %w", node.Data, err)
	}
	end, err := strconv.Atoi(node.SelectAttr("end"))
	if err != nil {
		return document.Span{}, fmt.Errorf("%s: invalid end offset: %w", node.Data, err)
	}
	return document.Span{Begin: begin, End: end}, nil
}

func hasAttr(node *xmlquery.Node, name string) bool {
	for _, a := range node.Attr {
		if a.Name.Local == name && a.Name.Space == "" {
			return true
		}
	}
	return false
}

func attr(name, value string) xml.Attr {
	return xml.Attr{Name: xml.Name{Local: name}, Value: value}
}

func spanAttrs(id xml.Attr, span document.Span) []xml.Attr {
	return []xml.Attr{
		id,
		attr("sofa", "1"),
		attr("begin", strconv.Itoa(span.Begin)),
		attr("end", strconv.Itoa(span.End)),
	}
}

func writeEmpty(enc *xml.Encoder, name string, attrs ...xml.Attr) error {
	start := xml.StartElement{Name: xml.Name{Local: name}, Attr: attrs}
	if err := enc.EncodeToken(start); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := enc.EncodeToken(start.End()); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	return nil
}
