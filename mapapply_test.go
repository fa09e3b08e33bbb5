package mapweb

import (
	"context"
	"testing"
)

func TestApplyMapOnceReplaysPipelineThenLiteral(t *testing.T) {
	subject := NewPayloadStubHook(NewPayload(map[string]interface{}{"name": "Ada"}))
	instructions := []MapInstruction{
		pipelineInstruction(0, PropertyPath{"name"}),
		literalInstruction([]interface{}{"import", 1}),
	}

	p, err := applyMapOnce(subject, nil, instructions)
	if err != nil {
		t.Fatalf("applyMapOnce: %v", err)
	}
	h, ok := p.Value.(Hook)
	if !ok {
		t.Fatalf("expected the literal's resolved value to be a Hook, got %T", p.Value)
	}
	inner, err := h.Pull(context.Background())
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if inner.Value != "Ada" {
		t.Fatalf("got %v, want Ada", inner.Value)
	}
}

func TestApplyMapRejectsNonTerminalNonLiteralLastInstruction(t *testing.T) {
	subject := NewPayloadStubHook(NewPayload(map[string]interface{}{"name": "Ada"}))
	instructions := []MapInstruction{
		pipelineInstruction(0, PropertyPath{"name"}),
	}

	_, err := applyMapOnce(subject, nil, instructions)
	if err == nil {
		t.Fatal("expected an error when the recording does not terminate in a literal")
	}
}

func TestApplyMapPassesThroughNilInputUnchanged(t *testing.T) {
	p, err := applyMap(NewPayload(nil), nil, []MapInstruction{literalInstruction(float64(1))})
	if err != nil {
		t.Fatalf("applyMap: %v", err)
	}
	if p.Value != nil {
		t.Fatalf("expected nil passthrough, got %v", p.Value)
	}
}

func TestApplyMapRejectsPendingHookInput(t *testing.T) {
	table := NewImportTable()
	_, hook := table.Open(ImportId(1), nil)

	_, err := applyMap(Payload{Value: hook}, nil, []MapInstruction{literalInstruction(float64(1))})
	if err == nil {
		t.Fatal("expected an error mapping over a pending import")
	}
	if _, ok := err.(*MapMisuseError); !ok {
		t.Fatalf("expected *MapMisuseError, got %T", err)
	}
}

func TestApplyMapRejectsPendingHookInsideArray(t *testing.T) {
	table := NewImportTable()
	_, hook := table.Open(ImportId(1), nil)

	_, err := applyMap(NewPayload([]interface{}{hook}), nil, []MapInstruction{literalInstruction(float64(1))})
	if err == nil {
		t.Fatal("expected an error mapping over an array containing a pending import")
	}
}

func TestApplyMapDisposesCapturesExactlyOnceRegardlessOfElementCount(t *testing.T) {
	var log []string
	capture := newCountingHook(&log, "cap")

	data := []interface{}{float64(1), float64(2), float64(3)}
	_, err := applyMap(NewPayload(data), []Hook{capture}, []MapInstruction{literalInstruction(float64(0))})
	if err != nil {
		t.Fatalf("applyMap: %v", err)
	}

	disposals := 0
	for _, entry := range log {
		if entry == "cap:dispose" {
			disposals++
		}
	}
	if disposals != 1 {
		t.Fatalf("expected exactly 1 capture disposal across 3 elements, got %d: %v", disposals, log)
	}
}

func TestApplyMapOverArrayReassemblesPerElementResults(t *testing.T) {
	data := []interface{}{
		map[string]interface{}{"n": float64(10)},
		map[string]interface{}{"n": float64(20)},
	}
	instructions := []MapInstruction{
		pipelineInstruction(0, PropertyPath{"n"}),
		literalInstruction([]interface{}{"import", 1}),
	}

	p, err := applyMap(NewPayload(data), nil, instructions)
	if err != nil {
		t.Fatalf("applyMap: %v", err)
	}
	out, ok := p.Value.([]interface{})
	if !ok || len(out) != 2 {
		t.Fatalf("expected a 2-element array result, got %v", p.Value)
	}
	for i, want := range []float64{10, 20} {
		h, ok := out[i].(Hook)
		if !ok {
			t.Fatalf("element %d: expected a Hook, got %T", i, out[i])
		}
		inner, err := h.Pull(context.Background())
		if err != nil {
			t.Fatalf("Pull element %d: %v", i, err)
		}
		if inner.Value != want {
			t.Fatalf("element %d = %v, want %v", i, inner.Value, want)
		}
	}
}
