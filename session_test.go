package mapweb

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"
)

// chanTransport is an in-memory Transport used to pair two Sessions in
// tests without a real network or WebSocket connection.
type chanTransport struct {
	out       chan []byte
	in        chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newTransportPair() (*chanTransport, *chanTransport) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a := &chanTransport{out: ab, in: ba, closed: make(chan struct{})}
	b := &chanTransport{out: ba, in: ab, closed: make(chan struct{})}
	return a, b
}

func (t *chanTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-t.in:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, io.EOF
	}
}

func (t *chanTransport) Send(ctx context.Context, data []byte) error {
	select {
	case t.out <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return errors.New("transport closed")
	}
}

func (t *chanTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestSessionSimplePushAndPull(t *testing.T) {
	serverTarget := NewMethodTarget()
	serverTarget.Method("hello", func(ctx context.Context, args Payload) (Payload, error) {
		return NewPayload("Hello, World!"), nil
	})

	clientTransport, serverTransport := newTransportPair()
	client := NewSession(clientTransport, nil, testLogger())
	server := NewSession(serverTransport, serverTarget, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Run(ctx)
	go client.Run(ctx)

	boot := client.Bootstrap()
	result := boot.Call(PropertyPath{"hello"}, NewPayload([]interface{}{}))

	pullCtx, pullCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer pullCancel()
	p, err := result.Pull(pullCtx)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if p.Value != "Hello, World!" {
		t.Fatalf("got %v, want %q", p.Value, "Hello, World!")
	}
}

func TestSessionPipelinedCallChainResolvesInOneRoundOfFrames(t *testing.T) {
	serverTarget := NewMethodTarget()
	serverTarget.Method("authenticate", func(ctx context.Context, args Payload) (Payload, error) {
		list, _ := args.Value.([]interface{})
		token, _ := list[0].(string)
		if token != "cookie-123" {
			return Payload{}, errors.New("invalid session")
		}
		return NewPayload(map[string]interface{}{"id": "u_1", "name": "Ada Lovelace"}), nil
	})
	serverTarget.Method("getUserProfile", func(ctx context.Context, args Payload) (Payload, error) {
		list, _ := args.Value.([]interface{})
		userID, _ := list[0].(string)
		if userID != "u_1" {
			return Payload{}, errors.New("no such user")
		}
		return NewPayload(map[string]interface{}{"bio": "Mathematician & first programmer"}), nil
	})

	clientTransport, serverTransport := newTransportPair()
	client := NewSession(clientTransport, nil, testLogger())
	server := NewSession(serverTransport, serverTarget, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Run(ctx)
	go client.Run(ctx)

	boot := client.Bootstrap()
	user := boot.Call(PropertyPath{"authenticate"}, NewPayload([]interface{}{"cookie-123"}))
	userID := user.Get(PropertyPath{"id"})
	// Pipelined: getUserProfile is pushed against userID before either
	// user or userID has been pulled.
	profile := boot.Call(PropertyPath{"getUserProfile"}, Payload{Value: []interface{}{userID}, Hooks: []Hook{userID}})

	pullCtx, pullCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer pullCancel()

	p, err := profile.Pull(pullCtx)
	if err != nil {
		t.Fatalf("Pull profile: %v", err)
	}
	obj, ok := p.Value.(map[string]interface{})
	if !ok {
		t.Fatalf("expected an object, got %T: %v", p.Value, p.Value)
	}
	if obj["bio"] != "Mathematician & first programmer" {
		t.Fatalf("got %v", obj)
	}
}

func TestSessionRejectsForbiddenPathElement(t *testing.T) {
	serverTarget := NewMethodTarget()

	clientTransport, serverTransport := newTransportPair()
	client := NewSession(clientTransport, nil, testLogger())
	server := NewSession(serverTransport, serverTarget, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Run(ctx)
	go client.Run(ctx)

	boot := client.Bootstrap()
	result := boot.Get(PropertyPath{"__proto__"})

	pullCtx, pullCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer pullCancel()
	_, err := result.Pull(pullCtx)
	if err == nil {
		t.Fatal("expected an error resolving a forbidden path element")
	}
}

// counterStub is a tiny stateful capability exposed from an array, used to
// exercise the map protocol's wire round trip end to end.
type counterStub struct{ n int }

func (c *counterStub) Get(PropertyPath) (Payload, error) {
	return Payload{}, errors.New("counter has no properties")
}

func (c *counterStub) Call(ctx context.Context, path PropertyPath, args Payload) (Payload, error) {
	args.Dispose()
	if len(path) != 1 {
		return Payload{}, errors.New("expected exactly one path element")
	}
	name, _ := path[0].(string)
	if name != "next" {
		return Payload{}, errors.New("method not found: " + name)
	}
	c.n++
	return NewPayload(float64(c.n)), nil
}

func TestSessionMapReplaysOverRemoteArrayOfCapabilities(t *testing.T) {
	serverTarget := NewMethodTarget()
	serverTarget.Method("makeCounters", func(ctx context.Context, args Payload) (Payload, error) {
		hooks := []interface{}{
			NewLocalTargetHook(&counterStub{n: 10}),
			NewLocalTargetHook(&counterStub{n: 20}),
		}
		return Payload{Value: hooks, Hooks: []Hook{hooks[0].(Hook), hooks[1].(Hook)}}, nil
	})

	clientTransport, serverTransport := newTransportPair()
	client := NewSession(clientTransport, nil, testLogger())
	server := NewSession(serverTransport, serverTarget, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Run(ctx)
	go client.Run(ctx)

	boot := client.Bootstrap()
	counters := boot.Call(PropertyPath{"makeCounters"}, NewPayload([]interface{}{}))

	mapped := SendMap(counters, PropertyPath{}, func(item *MapVariableHook) (Hook, error) {
		return item.Call(PropertyPath{"next"}, NewPayload([]interface{}{})), nil
	})

	pullCtx, pullCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer pullCancel()
	p, err := mapped.Pull(pullCtx)
	if err != nil {
		t.Fatalf("Pull mapped result: %v", err)
	}
	got, ok := p.Value.([]interface{})
	if !ok || len(got) != 2 {
		t.Fatalf("expected a 2-element array, got %T: %v", p.Value, p.Value)
	}
	if got[0] != float64(11) || got[1] != float64(21) {
		t.Fatalf("got %v, want [11 21]", got)
	}
}

func TestSessionTeardownBreaksPendingPulls(t *testing.T) {
	serverTarget := NewMethodTarget()
	serverTarget.Method("hang", func(ctx context.Context, args Payload) (Payload, error) {
		<-make(chan struct{}) // never returns within the test's lifetime
		return Payload{}, nil
	})

	clientTransport, serverTransport := newTransportPair()
	client := NewSession(clientTransport, nil, testLogger())
	server := NewSession(serverTransport, serverTarget, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Run(ctx)
	go client.Run(ctx)

	boot := client.Bootstrap()
	pending := boot.Call(PropertyPath{"hang"}, NewPayload([]interface{}{}))

	// Closing the client side directly (simulating a dropped connection)
	// must unblock any in-flight Pull rather than hang forever.
	go func() {
		time.Sleep(20 * time.Millisecond)
		client.teardown(errors.New("simulated disconnect"))
	}()

	pullCtx, pullCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer pullCancel()
	_, err := pending.Pull(pullCtx)
	if err == nil {
		t.Fatal("expected an error after the session tears down")
	}
}
