package proxy

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vyrodovalexey/edgegw/internal/pipeline"
)

// ServeUpgrade completes a switched-protocol response: it hijacks the
// client connection, relays the upstream 101 head and then pipes bytes both
// ways until either side closes. It returns the bytes copied client to
// upstream and upstream to client.
func ServeUpgrade(w http.ResponseWriter, resp *pipeline.Response) (sent, received int64, err error) {
	defer resp.Close()

	if resp.Upgrade == nil {
		return 0, 0, ErrNoUpgrade
	}

	conn, brw, err := http.NewResponseController(w).Hijack()
	if err != nil {
		return 0, 0, fmt.Errorf("hijack client connection: %w", err)
	}
	// Deadlines set by the server for the request no longer apply.
	_ = conn.SetDeadline(time.Time{})

	if err := writeResponseHead(brw.Writer, resp); err != nil {
		_ = conn.Close()
		return 0, 0, err
	}

	client := &bufferedConn{Conn: conn, r: brw.Reader}
	sent, received = Pipe(client, resp.Upgrade)
	return sent, received, nil
}

func writeResponseHead(bw *bufio.Writer, resp *pipeline.Response) error {
	if _, err := fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", resp.StatusCode, http.StatusText(resp.StatusCode)); err != nil {
		return err
	}
	if err := resp.Header.Write(bw); err != nil {
		return err
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	return bw.Flush()
}

// Pipe copies between a and b in both directions. When either direction
// ends both streams are closed. It returns the bytes copied a to b and b to
// a.
func Pipe(a, b io.ReadWriteCloser) (aToB, bToA int64) {
	type result struct {
		forward bool
		n       int64
	}
	done := make(chan result, 2)

	go func() {
		n, _ := io.Copy(b, a)
		done <- result{forward: true, n: n}
	}()
	go func() {
		n, _ := io.Copy(a, b)
		done <- result{n: n}
	}()

	first := <-done
	_ = a.Close()
	_ = b.Close()
	second := <-done

	for _, r := range []result{first, second} {
		if r.forward {
			aToB = r.n
		} else {
			bToA = r.n
		}
	}
	return aToB, bToA
}
