package providers

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// maxSSELine bounds a single SSE data line (1 MB). Upstream chunks are small;
// the cap only guards against a misbehaving provider.
const maxSSELine = 1 << 20

// EmitFunc receives one translated OpenAI-shaped chunk payload (JSON, without
// the "data: " framing).
type EmitFunc func(data []byte)

// Transformer translates one upstream SSE event into zero or more OpenAI
// chunks. event is the value of the preceding "event:" field, empty when the
// upstream uses bare data lines.
type Transformer func(event, data string, emit EmitFunc) error

// TransformSSE consumes an upstream SSE body and produces an OpenAI-shaped
// SSE stream: each emitted chunk becomes a "data: {...}" event and the stream
// is terminated with "data: [DONE]". Transform errors abort the pipe so the
// reader observes them.
func TransformSSE(upstream io.ReadCloser, tr Transformer) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		defer func() { _ = upstream.Close() }()

		emit := func(data []byte) {
			_, _ = fmt.Fprintf(pw, "data: %s\n\n", data)
		}

		scanner := bufio.NewScanner(upstream)
		scanner.Buffer(make([]byte, 64*1024), maxSSELine)

		event := ""
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				event = ""
			case strings.HasPrefix(line, "event:"):
				event = strings.TrimSpace(line[len("event:"):])
			case strings.HasPrefix(line, "data:"):
				data := strings.TrimSpace(line[len("data:"):])
				if data == "" || data == "[DONE]" {
					continue
				}
				if err := tr(event, data, emit); err != nil {
					pw.CloseWithError(err)
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			pw.CloseWithError(err)
			return
		}
		_, _ = io.WriteString(pw, "data: [DONE]\n\n")
		_ = pw.Close()
	}()
	return pr
}
