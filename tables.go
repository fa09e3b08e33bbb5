package mapweb

import (
	"context"
	"sync"
)

// ImportId addresses an entry in a Session's import table: a capability or
// in-flight promise this side holds from its peer.
type ImportId int

// ExportId addresses an entry in a Session's export table: a capability
// this side has made available to its peer. Id 0 is reserved for the
// bootstrap object and is never released.
type ExportId int

const BootstrapExportId ExportId = 0

// pendingSlot is a single-assignment future: Settle may be called at most
// once, and any number of goroutines may Await it concurrently.
type pendingSlot struct {
	done    chan struct{}
	payload Payload
	err     error
	once    sync.Once
}

func newPendingSlot() *pendingSlot {
	return &pendingSlot{done: make(chan struct{})}
}

func (s *pendingSlot) settle(p Payload, err error) {
	s.once.Do(func() {
		s.payload, s.err = p, err
		close(s.done)
	})
}

func (s *pendingSlot) await(ctx context.Context) (Payload, error) {
	select {
	case <-s.done:
		return s.payload, s.err
	case <-ctx.Done():
		return Payload{}, ctx.Err()
	}
}

func (s *pendingSlot) isSettled() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// importEntry is one row of the import table: the hook this side exposes
// for the id, plus its refcount.
type importEntry struct {
	hook     Hook
	refcount int
	slot     *pendingSlot // non-nil while the value has not yet resolved
}

// ImportTable is the receiving side's bookkeeping for capabilities and
// in-flight results held from the peer (spec §3, §4.2).
type ImportTable struct {
	mu      sync.Mutex
	entries map[ImportId]*importEntry
}

func NewImportTable() *ImportTable {
	return &ImportTable{entries: make(map[ImportId]*importEntry)}
}

// Open creates (or returns, if already present) the pending slot for id,
// wrapped as an ImportHook with one reference.
func (t *ImportTable) Open(id ImportId, onRelease func(ImportId, int)) (*pendingSlot, Hook) {
	return t.openFor(id, nil, onRelease)
}

// openFor is Open with an attached pipeliner so the returned hook can
// serve Get/Call/Map by issuing new push frames.
func (t *ImportTable) openFor(id ImportId, sess pipeliner, onRelease func(ImportId, int)) (*pendingSlot, Hook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		e.refcount++
		return e.slot, e.hook
	}
	slot := newPendingSlot()
	h := newImportHook(id, t, onRelease)
	h.sess = sess
	t.entries[id] = &importEntry{hook: h, refcount: 1, slot: slot}
	return slot, h
}

// IsPending reports whether id's value has not yet resolved. Used to
// reject mapping over a value that is still an in-flight promise (spec
// §4.5's "pending input" rejection).
func (t *ImportTable) IsPending(id ImportId) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok || e.slot == nil {
		return false
	}
	return !e.slot.isSettled()
}

// slotFor returns id's pending slot without touching its refcount, for
// Pull's use: pulling a capability you already hold must not itself
// create or count a new reference.
func (t *ImportTable) slotFor(id ImportId) (*pendingSlot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	return e.slot, true
}

// Get returns the hook already registered for id, if any.
func (t *ImportTable) Get(id ImportId) (Hook, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	return e.hook, true
}

// Settle fulfills or rejects the pending slot for id. It is a protocol
// error for id to be missing.
func (t *ImportTable) Settle(id ImportId, p Payload, err error) error {
	t.mu.Lock()
	e, ok := t.entries[id]
	t.mu.Unlock()
	if !ok {
		return newProtocolError("resolve/reject for unknown import %d", id)
	}
	if e.slot == nil {
		return newProtocolError("import %d already settled", id)
	}
	e.slot.settle(p, err)
	return nil
}

// Release decrements id's refcount by n; at zero the entry is disposed.
func (t *ImportTable) Release(id ImportId, n int) error {
	if n <= 0 {
		return newProtocolError("release count must be positive, got %d", n)
	}
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return newProtocolError("release for unknown import %d", id)
	}
	e.refcount -= n
	refcount := e.refcount
	if refcount < 0 {
		t.mu.Unlock()
		return newProtocolError("import %d refcount underflow", id)
	}
	if refcount == 0 {
		delete(t.entries, id)
	}
	t.mu.Unlock()
	if refcount == 0 {
		e.hook.Dispose()
	}
	return nil
}

// breakAll settles every unresolved pending slot with reason and fires
// every import hook's broken callbacks, used when a session tears down so
// outstanding Pulls elsewhere in the program unblock instead of hanging.
func (t *ImportTable) breakAll(reason error) {
	t.mu.Lock()
	entries := make([]*importEntry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.Unlock()
	for _, e := range entries {
		if e.slot != nil && !e.slot.isSettled() {
			e.slot.settle(Payload{}, reason)
		}
		if ih, ok := e.hook.(*importHook); ok {
			ih.brokenCallbacks.breakWith(reason)
		}
	}
}

// exportEntry is one row of the export table.
type exportEntry struct {
	target   Hook
	refcount int
}

// ExportTable is the sending side's bookkeeping for capabilities it has
// handed to the peer (spec §3, §4.2).
type ExportTable struct {
	mu       sync.Mutex
	entries  map[ExportId]*exportEntry
	byHook   map[Hook]ExportId
	nextID   ExportId
}

func NewExportTable() *ExportTable {
	return &ExportTable{
		entries: make(map[ExportId]*exportEntry),
		byHook:  make(map[Hook]ExportId),
		nextID:  1,
	}
}

// Export returns the existing id for target (by identity) or allocates a
// new one, incrementing the refcount either way.
func (t *ExportTable) Export(target Hook) ExportId {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.byHook[target]; ok {
		t.entries[id].refcount++
		return id
	}
	id := t.nextID
	t.nextID++
	t.entries[id] = &exportEntry{target: target, refcount: 1}
	t.byHook[target] = id
	return id
}

// Lookup returns the hook registered under id.
func (t *ExportTable) Lookup(id ExportId) (Hook, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, newProtocolError("reference to unknown export %d", id)
	}
	return e.target, nil
}

// Release decrements id's refcount by n; at zero the entry is removed and
// its hook disposed. Id 0 (bootstrap) can never be released.
func (t *ExportTable) Release(id ExportId, n int) error {
	if id == BootstrapExportId {
		return newProtocolError("cannot release the bootstrap export")
	}
	if n <= 0 {
		return newProtocolError("release count must be positive, got %d", n)
	}
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return newProtocolError("release for unknown export %d", id)
	}
	e.refcount -= n
	refcount := e.refcount
	if refcount < 0 {
		t.mu.Unlock()
		return newProtocolError("export %d refcount underflow", id)
	}
	if refcount == 0 {
		delete(t.entries, id)
		delete(t.byHook, e.target)
	}
	t.mu.Unlock()
	if refcount == 0 {
		e.target.Dispose()
	}
	return nil
}

// registerAt registers target under an explicit, caller-chosen id (a push
// id the peer minted) rather than allocating one from nextID. Used when
// answering the peer's push: the id is already fixed by their frame.
func (t *ExportTable) registerAt(id ExportId, target Hook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		e.refcount++
		return
	}
	t.entries[id] = &exportEntry{target: target, refcount: 1}
	t.byHook[target] = id
}

// SetBootstrap registers target under id 0 without going through the
// identity-dedup path (the bootstrap object is singular by construction).
func (t *ExportTable) SetBootstrap(target Hook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[BootstrapExportId] = &exportEntry{target: target, refcount: 1}
	t.byHook[target] = BootstrapExportId
}

// pipeliner is implemented by Session: it lets an importHook issue new
// push frames for Get/Call/Map without tables.go importing session.go's
// concrete type (both live in the same package, but keeping the
// dependency as a narrow interface keeps the capability-table logic
// testable in isolation from a real transport).
type pipeliner interface {
	pipelineGet(parent ImportId, path PropertyPath) Hook
	pipelineCall(parent ImportId, path PropertyPath, args Payload) Hook
	pipelineMap(parent ImportId, path PropertyPath, captures []Hook, instructions []MapInstruction) Hook
	pipelinePull(id ImportId)
}

// importHook addresses a capability the Session holds from its peer under
// ImportId id.
type importHook struct {
	id        ImportId
	table     *ImportTable
	sess      pipeliner
	onRelease func(ImportId, int)
	refs      *refCount
	brokenCallbacks
}

func newImportHook(id ImportId, table *ImportTable, onRelease func(ImportId, int)) *importHook {
	h := &importHook{id: id, table: table, onRelease: onRelease}
	h.refs = newRefCount(func() {
		if onRelease != nil {
			onRelease(id, 1)
		}
	})
	return h
}

func (h *importHook) Dup() Hook {
	h.refs.inc()
	return &importHook{id: h.id, table: h.table, sess: h.sess, onRelease: h.onRelease, refs: h.refs}
}

func (h *importHook) Dispose() { h.refs.dec() }

func (h *importHook) Get(path PropertyPath) Hook {
	if h.sess == nil {
		return newErrorHook(newProtocolError("import %d is not attached to a session", h.id))
	}
	return h.sess.pipelineGet(h.id, path)
}

func (h *importHook) Call(path PropertyPath, args Payload) Hook {
	if h.sess == nil {
		args.Dispose()
		return newErrorHook(newProtocolError("import %d is not attached to a session", h.id))
	}
	return h.sess.pipelineCall(h.id, path, args)
}

func (h *importHook) Map(path PropertyPath, captures []Hook, instructions []MapInstruction) Hook {
	if h.sess == nil {
		for _, c := range captures {
			c.Dispose()
		}
		return newErrorHook(newProtocolError("import %d is not attached to a session", h.id))
	}
	return h.sess.pipelineMap(h.id, path, captures, instructions)
}

func (h *importHook) Pull(ctx context.Context) (Payload, error) {
	slot, ok := h.table.slotFor(h.id)
	if !ok {
		return Payload{}, newProtocolError("import %d has no pending slot", h.id)
	}
	if h.sess != nil && !slot.isSettled() {
		h.sess.pipelinePull(h.id)
	}
	return slot.await(ctx)
}

func (h *importHook) OnBroken(cb func(error)) { h.brokenCallbacks.onBroken(cb) }
