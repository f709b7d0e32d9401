package render

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

// ErrUnsupportedArtifact is returned when a Serializer does not know how to
// turn an artifact into markup.
var ErrUnsupportedArtifact = errors.New("render: unsupported artifact")

// Renderer is implemented by artifacts that write their own markup.
type Renderer interface {
	Render(w io.Writer) error
}

// HTML is trusted markup that is emitted without escaping.
type HTML string

// Render writes the markup.
func (h HTML) Render(w io.Writer) error {
	_, err := io.WriteString(w, string(h))
	return err
}

// Serializer turns an artifact into the markup sent to the client.
type Serializer interface {
	Serialize(artifact any) (string, error)
}

// SerializerFunc adapts a function to Serializer.
type SerializerFunc func(artifact any) (string, error)

// Serialize calls f.
func (f SerializerFunc) Serialize(artifact any) (string, error) {
	return f(artifact)
}

// Default is the Serializer used when none is configured.
var Default Serializer = SerializerFunc(serialize)

func serialize(artifact any) (string, error) {
	switch a := artifact.(type) {
	case nil:
		return "", nil
	case HTML:
		return string(a), nil
	case string:
		return EscapeHTML(a), nil
	case []byte:
		return string(a), nil
	case Renderer:
		var buf bytes.Buffer
		if err := a.Render(&buf); err != nil {
			return "", fmt.Errorf("render artifact: %w", err)
		}
		return buf.String(), nil
	case fmt.Stringer:
		return EscapeHTML(a.String()), nil
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupportedArtifact, artifact)
	}
}

// Outlet wraps the markup of a dynamic function in the element the client
// uses to locate and replace it. A lazy outlet is sent empty and filled by
// the first rerender.
func Outlet(id, body string, lazy bool) HTML {
	var b strings.Builder
	b.WriteString(`<div id="`)
	b.WriteString(EscapeAttr(id))
	b.WriteString(`" style="display: contents;" data-server-rendered="true"`)
	if lazy {
		b.WriteString(` data-lazy="true"></div>`)
		return HTML(b.String())
	}
	b.WriteString(">")
	b.WriteString(body)
	b.WriteString("</div>")
	return HTML(b.String())
}

// Attrs renders attributes in key order, for example the bindings returned
// by event registration.
func Attrs(attrs map[string]string) HTML {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(EscapeAttr(attrs[k]))
		b.WriteByte('"')
	}
	return HTML(b.String())
}

// Document renders a minimal HTML page around body that loads the client
// script from scriptSrc.
func Document(title string, body HTML, scriptSrc string) HTML {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n<title>")
	b.WriteString(EscapeHTML(title))
	b.WriteString("</title>\n<script type=\"module\" src=\"")
	b.WriteString(EscapeAttr(scriptSrc))
	b.WriteString("\"></script>\n</head>\n<body>\n")
	b.WriteString(string(body))
	b.WriteString("\n</body>\n</html>\n")
	return HTML(b.String())
}
