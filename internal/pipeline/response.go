package pipeline

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/vyrodovalexey/edgegw/internal/util"
)

// Response is the result of dispatch or of a short-circuiting stage.
type Response struct {
	StatusCode int
	Header     http.Header
	// Body is streamed to the client and closed by the writer. May be nil.
	Body io.ReadCloser

	// Synthetic is set for responses produced by the gateway itself.
	Synthetic bool
	// Err is the failure a synthetic error response stands for.
	Err error

	// Upgrade is the upstream side of a switched-protocol connection. The
	// writer hijacks the client connection and pipes both ways.
	Upgrade io.ReadWriteCloser

	// Cache is the cache outcome for logging: "HIT", "MISS" or empty.
	Cache string
}

// NewResponse creates a synthetic response with an in-memory body.
func NewResponse(status int, header http.Header, body []byte) *Response {
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(body)),
		Synthetic:  true,
	}
}

// ErrorResponse creates the JSON error response err maps to.
func ErrorResponse(err error) *Response {
	status := util.StatusForError(err)
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	header.Set("X-Content-Type-Options", "nosniff")

	var rl *util.RateLimitError
	if errors.As(err, &rl) {
		header.Set("Retry-After", util.RetryAfterSeconds(rl.RetryAfter))
	}

	resp := NewResponse(status, header, util.JSONErrorBody(status, err.Error()))
	resp.Err = err
	return resp
}

// Close releases the body and upgrade stream, if any.
func (r *Response) Close() {
	if r.Body != nil {
		_ = r.Body.Close()
	}
	if r.Upgrade != nil {
		_ = r.Upgrade.Close()
	}
}

func (r *Response) header() http.Header {
	if r.Header == nil {
		r.Header = make(http.Header)
	}
	return r.Header
}
