// Package protocol defines the JSON messages exchanged between the shiny
// client and server over the websocket.
//
// Client requests:
//
//	{"type":"rerender@request","id":"<instance>"}
//	{"type":"event@request","id":"<instance>","handler":"<handler>","event":{...}}
//
// Server responses:
//
//	{"type":"rerender@response","id":"<instance>","html":"..."}
//	{"type":"error@response","code":"UnknownHandler","error":"..."}
//
// Requests and responses are closed sum types: DecodeRequest returns one of
// the Request implementations in this package, and callers dispatch with a
// type switch.
package protocol
