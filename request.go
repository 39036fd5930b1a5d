package kestrel

import "io"

// Request is the parsed-request contract the core depends on. Per spec §1
// the HTTP/1.1 parser of the request line and headers is an external
// collaborator: the core only relies on parser state transitions,
// expect_continue detection, and body-size accounting (spec §2 Data
// Model: "Request... Opaque from the core's view").
type Request interface {
	// ExpectContinue reports whether the client sent "Expect: 100-continue".
	ExpectContinue() bool

	// Command is the parsed request line (method, URI, version).
	Command() RequestLine

	// Headers are the parsed header fields, in wire order.
	Headers() []HeaderField

	// Body is the bounded or chunked body reader. Reading past the
	// declared/chunked length returns io.EOF; it never blocks past what
	// handle_read has already appended to inbuf.
	Body() io.Reader

	// Completed reports whether the parser has finished this request
	// (headers and, for methods that carry one, the full body framed).
	Completed() bool
}

// RequestLine is the parsed HTTP request line.
type RequestLine struct {
	Method  string
	URI     string
	Version string
}

// HeaderField is one parsed header line.
type HeaderField struct {
	Name  string
	Value string
}

// Parser incrementally feeds bytes and reports completed Requests off one
// connection's inbuf (spec §1: "feed bytes, report done/error"). Channel
// drives one Parser per connection.
type Parser interface {
	// Feed hands the parser newly read bytes. It returns the number of
	// bytes consumed; bytes beyond that remain for the next Feed call
	// (e.g. the start of a pipelined next request).
	Feed(data []byte) (consumed int, err error)

	// Requests drains every Request completed since the last call.
	Requests() []Request
}
