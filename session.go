package mapweb

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
)

// Session is one end of a mapweb connection: it owns an import table (what
// this side holds from its peer) and an export table (what this side has
// handed the peer), drives the wire's push/pull/resolve/reject/release/
// abort frames over a Transport, and implements both Exporter/Importer (to
// devaluate/evaluate values crossing the wire) and pipeliner (to let an
// importHook originate new push frames from an arbitrary caller goroutine).
//
// Unlike the teacher's RpcSession, which allocates its own sequential
// export id on every incoming push and discards whatever id the peer
// transmitted, Session keys its export table by the transmitted id
// directly — unpipelined calls happen to work either way, but a second
// push that pipelines off the first by referencing its id would silently
// address the wrong export under the teacher's scheme. See DESIGN.md.
type Session struct {
	transport Transport
	logger    *log.Logger

	imports *ImportTable
	exports *ExportTable

	writeMu      sync.Mutex
	nextImportID ImportId

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSession wraps transport. bootstrap may be nil for a session that only
// ever calls out to its peer and never serves one of its own.
func NewSession(transport Transport, bootstrap Target, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.Default()
	}
	s := &Session{
		transport:    transport,
		logger:       logger,
		imports:      NewImportTable(),
		exports:      NewExportTable(),
		nextImportID: 1,
		closed:       make(chan struct{}),
	}
	if bootstrap != nil {
		s.exports.SetBootstrap(NewLocalTargetHook(bootstrap))
	}
	return s
}

// Bootstrap returns a Hook for the peer's bootstrap capability (import id
// 0), the entry point for every call this side initiates.
func (s *Session) Bootstrap() Hook {
	_, h := s.imports.openFor(BootstrapImportId, s, s.releaseImport)
	return h
}

const BootstrapImportId ImportId = 0

// Run reads frames from the transport until it closes or ctx is canceled,
// dispatching each to the matching handler. It returns the error that
// ended the loop: ctx cancellation, or a session already closed (for
// example by a peer's abort frame), returns nil; a Recv failure, including
// the transport closing, is returned as Recv reported it.
func (s *Session) Run(ctx context.Context) error {
	defer s.teardown(nil)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.closed:
			return nil
		default:
		}
		raw, err := s.transport.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.teardown(&CapabilityBroken{Reason: err.Error()})
			return err
		}
		if err := s.handleFrame(ctx, raw); err != nil {
			if pe, ok := err.(*ProtocolError); ok {
				s.abortWith(ctx, pe)
				return pe
			}
			s.logger.Printf("mapweb: non-fatal frame error: %v", err)
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, raw []byte) error {
	var frame []interface{}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return newProtocolError("malformed frame: %v", err)
	}
	if len(frame) == 0 {
		return newProtocolError("empty frame")
	}
	tag, ok := frame[0].(string)
	if !ok {
		return newProtocolError("frame tag must be a string")
	}
	switch tag {
	case "push":
		return s.handlePush(ctx, frame)
	case "resolve":
		return s.handleResolve(frame)
	case "reject":
		return s.handleReject(frame)
	case "pull":
		return s.handlePull(ctx, frame)
	case "release":
		return s.handleRelease(frame)
	case "abort":
		return s.handleAbort(frame)
	default:
		return newProtocolError("unknown frame tag %q", tag)
	}
}

// handlePush evaluates a pushed expression and registers the resulting hook
// under the pushed id. Per §4.6, push only allocates the slot and begins
// evaluation; it never sends resolve/reject itself — a later pull frame
// (handlePull) is what awaits the hook and reports its outcome to the peer.
func (s *Session) handlePush(ctx context.Context, frame []interface{}) error {
	if len(frame) < 3 {
		return newProtocolError("push frame missing fields")
	}
	id, err := rawInstrID(frame[1])
	if err != nil {
		return err
	}
	if isRemapExpr(frame[2]) {
		return s.handleRemapPush(id, frame[2])
	}
	payload, evalErr := Evaluate(frame[2], s)
	if evalErr != nil {
		s.exports.registerAt(ExportId(id), newErrorHook(evalErr))
		return nil
	}
	s.exports.registerAt(ExportId(id), hookFromResultPayload(payload))
	return nil
}

// isRemapExpr reports whether a push frame's expression is a top-level
// "remap" instruction (pipelineMap's wire form), which addresses a
// MapInstruction replay rather than a plain pipelined get/call and so
// cannot be handled by Evaluate's tagged-value dispatch.
func isRemapExpr(raw interface{}) bool {
	arr, ok := raw.([]interface{})
	if !ok || len(arr) == 0 {
		return false
	}
	tag, ok := arr[0].(string)
	return ok && tag == "remap"
}

// handleRemapPush replays a peer's stub.map(...) against the local
// capability its push addresses: decode the recorded instructions, resolve
// the subject and its captures out of our export table (these are ids the
// peer holds as imports, which by this session's convention are keyed
// identically to our own exports — see the Session doc comment), invoke
// Hook.Map, and register the resulting hook under the pushed id. Like any
// other push, no resolve/reject is sent here: per §4.6, push only begins
// evaluation, and the peer's subsequent pull is what awaits and reports it.
func (s *Session) handleRemapPush(id int, raw interface{}) error {
	instr, err := decodeInstruction(raw)
	if err != nil {
		s.exports.registerAt(ExportId(id), newErrorHook(err))
		return nil
	}
	subject, err := s.GetExport(instr.Subject)
	if err != nil {
		s.exports.registerAt(ExportId(id), newErrorHook(err))
		return nil
	}
	captures := make([]Hook, len(instr.Captures))
	for i, capID := range instr.Captures {
		h, capErr := s.GetExport(capID)
		if capErr != nil {
			for _, rest := range captures[:i] {
				rest.Dispose()
			}
			s.exports.registerAt(ExportId(id), newErrorHook(capErr))
			return nil
		}
		captures[i] = h
	}

	resultHook := subject.Map(instr.Path, captures, instr.Body)
	s.exports.registerAt(ExportId(id), resultHook)
	return nil
}

func (s *Session) handleResolve(frame []interface{}) error {
	if len(frame) < 3 {
		return newProtocolError("resolve frame missing fields")
	}
	id, err := rawInstrID(frame[1])
	if err != nil {
		return err
	}
	payload, evalErr := Evaluate(frame[2], s)
	return s.imports.Settle(ImportId(id), payload, evalErr)
}

func (s *Session) handleReject(frame []interface{}) error {
	if len(frame) < 3 {
		return newProtocolError("reject frame missing fields")
	}
	id, err := rawInstrID(frame[1])
	if err != nil {
		return err
	}
	payload, evalErr := Evaluate(frame[2], s)
	if evalErr != nil {
		return s.imports.Settle(ImportId(id), Payload{}, evalErr)
	}
	rejErr, ok := payload.Value.(error)
	if !ok {
		rejErr = newTargetError2(fmt.Sprintf("%v", payload.Value))
	}
	return s.imports.Settle(ImportId(id), Payload{}, rejErr)
}

func (s *Session) handlePull(ctx context.Context, frame []interface{}) error {
	if len(frame) < 2 {
		return newProtocolError("pull frame missing id")
	}
	id, err := rawInstrID(frame[1])
	if err != nil {
		return err
	}
	hook, lookupErr := s.exports.Lookup(ExportId(id))
	if lookupErr != nil {
		return s.sendFrame(ctx, []interface{}{"reject", id, devaluateErrorForWire(lookupErr)})
	}
	result, pullErr := hook.Pull(ctx)
	if pullErr != nil {
		return s.sendFrame(ctx, []interface{}{"reject", id, devaluateErrorForWire(pullErr)})
	}
	encoded, encErr := Devaluate(result.Value, s)
	if encErr != nil {
		return s.sendFrame(ctx, []interface{}{"reject", id, devaluateErrorForWire(encErr)})
	}
	return s.sendFrame(ctx, []interface{}{"resolve", id, encoded})
}

func (s *Session) handleRelease(frame []interface{}) error {
	if len(frame) < 3 {
		return newProtocolError("release frame missing fields")
	}
	id, err := rawInstrID(frame[1])
	if err != nil {
		return err
	}
	count, err := rawInstrID(frame[2])
	if err != nil {
		return err
	}
	return s.exports.Release(ExportId(id), count)
}

func (s *Session) handleAbort(frame []interface{}) error {
	reason := "peer aborted the session"
	if len(frame) >= 2 {
		if msg, ok := frame[1].(string); ok {
			reason = msg
		}
	}
	s.teardown(&CapabilityBroken{Reason: reason})
	return nil
}

func (s *Session) abortWith(ctx context.Context, err error) {
	_ = s.sendFrame(ctx, []interface{}{"abort", err.Error()})
	s.teardown(err)
}

// teardown marks the session closed and breaks every outstanding hook so
// pending Pulls elsewhere in the program unblock with an error instead of
// hanging forever.
func (s *Session) teardown(err error) {
	s.closeOnce.Do(func() {
		close(s.closed)
		reason := err
		if reason == nil {
			reason = &CapabilityBroken{Reason: "session closed"}
		}
		s.imports.breakAll(reason)
		_ = s.transport.Close()
	})
}

func (s *Session) sendFrame(ctx context.Context, frame []interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return newProtocolError("failed to encode outgoing frame: %v", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.transport.Send(ctx, data)
}

func (s *Session) allocImportID() ImportId {
	s.writeMu.Lock()
	id := s.nextImportID
	s.nextImportID++
	s.writeMu.Unlock()
	return id
}

func devaluateErrorForWire(err error) interface{} {
	encoded, encErr := Devaluate(newTargetError(err), nil)
	if encErr != nil {
		return []interface{}{"error", string(ErrorKindGeneric), err.Error()}
	}
	return encoded
}

// --- Exporter ---

func (s *Session) ExportStub(h Hook) (int, error) {
	return int(s.exports.Export(h)), nil
}

// ExportPromise delegates to ExportStub: Targets in this port resolve
// synchronously, so no local hook is ever genuinely pending at devaluation
// time. See DESIGN.md.
func (s *Session) ExportPromise(h Hook) (int, error) {
	return s.ExportStub(h)
}

func (s *Session) GetImport(h Hook) (int, error) {
	ih, ok := h.(*importHook)
	if !ok {
		return 0, newProtocolError("cannot reference a %T as an import", h)
	}
	return int(ih.id), nil
}

// --- Importer ---

func (s *Session) ImportStub(id int) (Hook, error) {
	_, h := s.imports.openFor(ImportId(id), s, s.releaseImport)
	return h, nil
}

func (s *Session) ImportPromise(id int) (Hook, error) {
	return s.ImportStub(id)
}

func (s *Session) GetExport(idx int) (Hook, error) {
	return s.exports.Lookup(ExportId(idx))
}

// --- pipeliner ---

func (s *Session) pipelineGet(parent ImportId, path PropertyPath) Hook {
	id := s.allocImportID()
	_, h := s.imports.openFor(id, s, s.releaseImport)
	expr := []interface{}{"pipeline", int(parent), pathToRaw(path)}
	if err := s.sendFrame(context.Background(), []interface{}{"push", int(id), expr}); err != nil {
		return newErrorHook(err)
	}
	return h
}

func (s *Session) pipelineCall(parent ImportId, path PropertyPath, args Payload) Hook {
	argList, _ := args.Value.([]interface{})
	if argList == nil {
		argList = []interface{}{}
	}
	encodedArgs, err := Devaluate(argList, s)
	if err != nil {
		return newErrorHook(err)
	}
	id := s.allocImportID()
	_, h := s.imports.openFor(id, s, s.releaseImport)
	expr := []interface{}{"pipeline", int(parent), pathToRaw(path), encodedArgs}
	if err := s.sendFrame(context.Background(), []interface{}{"push", int(id), expr}); err != nil {
		return newErrorHook(err)
	}
	return h
}

func (s *Session) pipelineMap(parent ImportId, path PropertyPath, captures []Hook, instructions []MapInstruction) Hook {
	capsEncoded := make([]interface{}, len(captures))
	for i, c := range captures {
		enc, err := Devaluate(c, s)
		if err != nil {
			for _, rest := range captures[i:] {
				rest.Dispose()
			}
			return newErrorHook(err)
		}
		capsEncoded[i] = enc
	}
	id := s.allocImportID()
	_, h := s.imports.openFor(id, s, s.releaseImport)
	expr := []interface{}{"remap", int(parent), pathToRaw(path), capsEncoded, encodeInstructions(instructions)}
	if err := s.sendFrame(context.Background(), []interface{}{"push", int(id), expr}); err != nil {
		return newErrorHook(err)
	}
	return h
}

func (s *Session) pipelinePull(id ImportId) {
	_ = s.sendFrame(context.Background(), []interface{}{"pull", int(id)})
}

// releaseImport tells the peer this side no longer needs import id,
// called once the local refcount on it reaches zero.
func (s *Session) releaseImport(id ImportId, n int) {
	_ = s.sendFrame(context.Background(), []interface{}{"release", int(id), n})
}
