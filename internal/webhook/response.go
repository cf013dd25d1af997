package webhook

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mattjoyce/conduit/internal/ledger"
)

// Response is what a handler returns: an HTTP reply plus the ledger
// commands to issue before the reply is written.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
	Header      http.Header

	Commands []ledger.Command
	// CommandTimeout overrides the runtime's submission timeout when set.
	CommandTimeout time.Duration
}

// WithCommands appends commands to the response.
func (r *Response) WithCommands(cmds ...ledger.Command) *Response {
	r.Commands = append(r.Commands, cmds...)
	return r
}

// WithCommandTimeout sets a per-response submission timeout.
func (r *Response) WithCommandTimeout(d time.Duration) *Response {
	r.CommandTimeout = d
	return r
}

// WithHeader sets a response header.
func (r *Response) WithHeader(key, value string) *Response {
	if r.Header == nil {
		r.Header = make(http.Header)
	}
	r.Header.Set(key, value)
	return r
}

// JSON returns a JSON response with the given status.
func JSON(status int, v any) *Response {
	b, err := json.Marshal(v)
	if err != nil {
		return InternalError("could not encode response")
	}
	return &Response{Status: status, ContentType: "application/json", Body: b}
}

// Text returns a plain text response.
func Text(status int, s string) *Response {
	return &Response{Status: status, ContentType: "text/plain; charset=utf-8", Body: []byte(s)}
}

// Blob returns a binary response with an explicit content type.
func Blob(status int, contentType string, b []byte) *Response {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &Response{Status: status, ContentType: contentType, Body: b}
}

// OK is a 200 JSON response.
func OK(v any) *Response { return JSON(http.StatusOK, v) }

// Empty is a 200 response without a body.
func Empty() *Response { return &Response{Status: http.StatusOK} }

// Unauthorized is a 401 JSON error carrying a machine-readable code.
func Unauthorized(code, message string) *Response {
	return JSON(http.StatusUnauthorized, ErrorResponse{Error: message, Code: code})
}

// Forbidden is a 403 JSON error carrying a machine-readable code.
func Forbidden(code, message string) *Response {
	return JSON(http.StatusForbidden, ErrorResponse{Error: message, Code: code})
}

// NotFound is a 404 JSON error.
func NotFound(message string) *Response {
	return JSON(http.StatusNotFound, ErrorResponse{Error: message})
}

// BadRequest is a 400 JSON error.
func BadRequest(message string) *Response {
	return JSON(http.StatusBadRequest, ErrorResponse{Error: message})
}

// InternalError is a 500 JSON error.
func InternalError(message string) *Response {
	return JSON(http.StatusInternalServerError, ErrorResponse{Error: message})
}

func (r *Response) write(w http.ResponseWriter) {
	for k, vs := range r.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if r.ContentType != "" {
		w.Header().Set("Content-Type", r.ContentType)
	}
	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(r.Body) > 0 {
		_, _ = w.Write(r.Body)
	}
}
