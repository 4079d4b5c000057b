package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/turnstile/internal/queue"
	"github.com/haasonsaas/turnstile/internal/sandbox"
	"github.com/haasonsaas/turnstile/pkg/models"
)

func testDispatch() *Dispatch {
	turn := &queue.Turn{
		ID:            "turn-1",
		SessionKey:    "agent:main:main",
		AgentID:       "main",
		Mode:          queue.ModeCollect,
		Payloads:      []models.TurnPayload{{Text: "a"}, {Text: "b"}},
		DroppedCount:  1,
		AdmissionWait: 1500 * time.Millisecond,
	}
	return &Dispatch{
		Turn:         turn,
		SessionID:    "sess-1",
		Prompt:       turn.Prompt(),
		AllowedTools: []string{"read"},
		Sandbox:      &sandbox.Context{Key: "agent:main", Mode: sandbox.ModeAll},
	}
}

func TestLogEngineWritesRecord(t *testing.T) {
	var buf bytes.Buffer
	engine := NewLogEngine(&buf, 0)

	if err := engine.Execute(context.Background(), testDispatch()); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	var rec DispatchRecord
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("record is not JSON: %v\n%s", err, buf.String())
	}
	if rec.TurnID != "turn-1" || rec.SessionID != "sess-1" || rec.Payloads != 2 {
		t.Errorf("record = %+v", rec)
	}
	if rec.DroppedCount != 1 || rec.AdmissionWaitMs != 1500 {
		t.Errorf("dropped/wait = %d/%d", rec.DroppedCount, rec.AdmissionWaitMs)
	}
	if rec.Sandbox == nil || rec.Sandbox.Key != "agent:main" {
		t.Errorf("sandbox = %+v", rec.Sandbox)
	}
	if rec.Cancelled {
		t.Error("Cancelled = true for a completed turn")
	}
}

func TestLogEngineHonorsCancellation(t *testing.T) {
	var buf bytes.Buffer
	engine := NewLogEngine(&buf, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := engine.Execute(ctx, testDispatch())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute() error = %v, want context.Canceled", err)
	}
	var rec DispatchRecord
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("record is not JSON: %v", err)
	}
	if !rec.Cancelled {
		t.Error("Cancelled = false for a cancelled turn")
	}
}

func TestEngineFunc(t *testing.T) {
	var got string
	engine := EngineFunc(func(_ context.Context, d *Dispatch) error {
		got = d.SessionID
		return nil
	})
	if err := engine.Execute(context.Background(), testDispatch()); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got != "sess-1" {
		t.Errorf("got %q, want sess-1", got)
	}
}
