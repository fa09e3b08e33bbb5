package mapweb

import "context"

// Transport carries one mapweb frame per Send/Recv call. Implementations
// must serialize concurrent Sends themselves or leave that to Session
// (Session already serializes writes with its own mutex, so a Transport
// only needs to support one Send and one Recv in flight at a time, not
// necessarily concurrently with each other).
type Transport interface {
	// Recv blocks for the next frame. It returns an error (wrapping
	// ctx.Err() where applicable) when the transport is closed or ctx is
	// done.
	Recv(ctx context.Context) ([]byte, error)
	// Send writes one frame. Ownership of data's bytes passes to the
	// implementation only for the duration of the call.
	Send(ctx context.Context, data []byte) error
	// Close releases the underlying connection. Safe to call more than
	// once.
	Close() error
}
