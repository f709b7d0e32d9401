// Package render turns rendered artifacts into the markup sent to clients.
//
// The runtime never inspects what a render function returns. It hands the
// artifact to a Serializer, which produces the HTML string carried by a
// rerender response. Default understands strings, byte slices, HTML,
// fmt.Stringer and anything implementing Renderer.
//
// Every dynamic function is delivered inside an outlet element whose id is
// the component instance id, so the client can swap its contents in place:
//
//	html := render.Outlet("counter-1", body, false)
package render
