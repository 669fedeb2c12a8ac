package cache

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// captureBody tees a streamed body into memory up to limit bytes. onComplete
// runs once with the full body when the stream ends cleanly at EOF within
// the limit. A body cut short by an error, closed early or grown past the
// limit is never reported.
type captureBody struct {
	body       io.ReadCloser
	limit      int64
	buf        bytes.Buffer
	overflow   bool
	onComplete func([]byte)
	once       sync.Once
}

func newCaptureBody(body io.ReadCloser, limit int64, onComplete func([]byte)) *captureBody {
	return &captureBody{body: body, limit: limit, onComplete: onComplete}
}

func (c *captureBody) Read(p []byte) (int, error) {
	n, err := c.body.Read(p)
	if n > 0 && !c.overflow {
		if int64(c.buf.Len()+n) > c.limit {
			c.overflow = true
			c.buf = bytes.Buffer{}
		} else {
			c.buf.Write(p[:n])
		}
	}
	if errors.Is(err, io.EOF) && !c.overflow {
		c.once.Do(func() { c.onComplete(c.buf.Bytes()) })
	}
	return n, err
}

func (c *captureBody) Close() error {
	return c.body.Close()
}
