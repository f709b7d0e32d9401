package server

import (
	"context"
	"encoding/json"

	"github.com/vango-dev/shiny/pkg/render"
)

// RenderFunc renders one pass of a dynamic function. The returned artifact
// is serialized by the server's render.Serializer.
type RenderFunc[A any] func(c *Ctx, args A) (any, error)

// Template is a declared dynamic function. Each Mount creates or reuses a
// ComponentInstance that renders with the template's function.
type Template[A any] struct {
	id     string
	render RenderFunc[A]
	lazy   bool
}

// TemplateOption configures a Template.
type TemplateOption func(*templateOptions)

type templateOptions struct {
	lazy bool
}

// Lazy makes mounts emit an empty outlet. The client asks for the first
// render once the page has loaded.
func Lazy() TemplateOption {
	return func(o *templateOptions) {
		o.lazy = true
	}
}

// Dynamic declares a dynamic function identified by id. The id prefixes the
// IDs of its instances, so it must not contain characters that are invalid
// in an HTML id.
func Dynamic[A any](id string, fn RenderFunc[A], opts ...TemplateOption) *Template[A] {
	var o templateOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &Template[A]{id: id, render: fn, lazy: o.lazy}
}

// ID returns the template identifier.
func (t *Template[A]) ID() string {
	return t.id
}

// New creates an instance of t in s without rendering it.
func (t *Template[A]) New(s *Session, args A) *ComponentInstance {
	return s.newInstance(t.id, t.invoke, args, t.lazy, nil)
}

// Mount renders t inside c and returns its outlet markup.
//
// Inside the render pass of another instance the mount is a call site: the
// child instance is created on the first pass and reused, with the new args,
// on every later pass. Outside a render pass (for example in a page
// function) every call creates a new instance.
func (t *Template[A]) Mount(c *Ctx, args A) (render.HTML, error) {
	if c == nil || c.session == nil {
		return "", ErrNoSession
	}

	var inst *ComponentInstance
	if c.rendering() {
		s := c.useSlot(slotChild, "template:"+t.id, func() *slot {
			child := c.session.newInstance(t.id, t.invoke, args, t.lazy, c.instance)
			return &slot{child: child, destroy: child.Destroy}
		})
		inst = s.child
		inst.setArgs(args)
	} else {
		inst = c.session.newInstance(t.id, t.invoke, args, t.lazy, nil)
	}

	return c.session.renderOutlet(c.Context(), inst)
}

func (t *Template[A]) invoke(c *Ctx, args any) (any, error) {
	a, _ := args.(A)
	return t.render(c, a)
}

// Handler handles one client event routed to an instance.
type Handler func(ev Event) error

// Event is a client event delivered to a Handler.
type Event struct {
	Context   context.Context
	Name      string
	HandlerID string
	Payload   json.RawMessage
	Session   *Session
	Instance  *ComponentInstance
}

// Decode unmarshals the event payload into v. An empty payload leaves v
// untouched.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// EventBinding identifies a registered handler. Its attributes tell the
// client which DOM event to forward and where.
type EventBinding struct {
	Event      string
	HandlerID  string
	InstanceID string
}

// Attrs renders the data attributes the client script looks for.
func (b EventBinding) Attrs() render.HTML {
	return render.Attrs(map[string]string{
		"data-shiny-event":    b.Event,
		"data-shiny-handler":  b.HandlerID,
		"data-shiny-instance": b.InstanceID,
	})
}
