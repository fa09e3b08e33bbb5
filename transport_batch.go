package mapweb

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
)

// errBatchExhausted signals RunBatch's Session.Run loop that every input
// line has been consumed. Run returns it like any other Recv error;
// RunBatch treats it as a clean end and never surfaces it to its own
// caller.
var errBatchExhausted = errors.New("mapweb: batch input exhausted")

// BatchTransport adapts the teacher's HTTP POST batch mode (one frame per
// newline-delimited line, collected request body in, joined response body
// out) to the Transport interface so the same Session drives both modes.
type BatchTransport struct {
	lines []string
	pos   int

	mu  sync.Mutex
	out []string
}

func newBatchTransport(body io.Reader) (*BatchTransport, error) {
	scanner := bufio.NewScanner(body)
	var lines []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return &BatchTransport{lines: lines}, nil
}

func (t *BatchTransport) Recv(ctx context.Context) ([]byte, error) {
	if t.pos >= len(t.lines) {
		return nil, errBatchExhausted
	}
	line := t.lines[t.pos]
	t.pos++
	return []byte(line), nil
}

func (t *BatchTransport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.out = append(t.out, string(data))
	return nil
}

func (t *BatchTransport) Close() error { return nil }

func (t *BatchTransport) responseBody() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.out, "\n")
}

// RunBatch drives a one-shot batch RPC exchange: every line of body is
// handled as a push/pull/release/abort frame against a fresh Session over
// bootstrap, and the joined response frames are returned as a single
// string (spec §6's "batch" transport, grounded on the teacher's POST
// handler in server.go).
func RunBatch(bootstrap Target, body io.Reader) (string, error) {
	transport, err := newBatchTransport(body)
	if err != nil {
		return "", err
	}
	sess := NewSession(transport, bootstrap, nil)
	if err := sess.Run(context.Background()); err != nil && !errors.Is(err, errBatchExhausted) {
		return "", err
	}
	return transport.responseBody(), nil
}
