// Package handler adapts typed request handlers to net/http.
//
// A HandlerFunc receives a Context and a request value populated by binders
// and returns a Response. Errors from binding, handlers and rendering all
// flow into one ErrorHandler, which writes the JSON error envelope
//
//	{"error": {"code": "...", "message": "...", "details": {...}}, "data": ..., "meta": ...}
//
// Server-side failures are reported with a generic message; their cause only
// reaches the log.
package handler
