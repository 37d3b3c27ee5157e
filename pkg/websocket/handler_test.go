package websocket

import (
	"context"
	"testing"
)

func TestDispatcherRoutesRegisteredAction(t *testing.T) {
	d := NewDispatcher()
	d.RegisterFunc("job.get", func(ctx context.Context, msg *Message) (*Message, error) {
		var req struct {
			JobID string `json:"job_id"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return nil, err
		}
		return NewResponse(msg.ID, msg.Action, map[string]interface{}{"id": req.JobID})
	})

	req, err := NewRequest("req-1", "job.get", map[string]interface{}{"job_id": "j-42"})
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}

	resp, err := d.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if resp.Type != MessageTypeResponse {
		t.Errorf("expected response type, got %q", resp.Type)
	}
	if resp.ID != "req-1" {
		t.Errorf("expected response to echo request id, got %q", resp.ID)
	}

	var payload struct {
		ID string `json:"id"`
	}
	if err := resp.ParsePayload(&payload); err != nil {
		t.Fatalf("failed to parse payload: %v", err)
	}
	if payload.ID != "j-42" {
		t.Errorf("expected payload id j-42, got %q", payload.ID)
	}
}

func TestDispatcherUnknownAction(t *testing.T) {
	d := NewDispatcher()

	req, _ := NewRequest("req-1", "nope.nothing", nil)
	resp, err := d.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if resp.Type != MessageTypeError {
		t.Fatalf("expected error type, got %q", resp.Type)
	}

	var payload ErrorPayload
	if err := resp.ParsePayload(&payload); err != nil {
		t.Fatalf("failed to parse payload: %v", err)
	}
	if payload.Code != ErrorCodeUnknownAction {
		t.Errorf("expected code %q, got %q", ErrorCodeUnknownAction, payload.Code)
	}
}

func TestDispatcherHasHandler(t *testing.T) {
	d := NewDispatcher()
	if d.HasHandler("instance.list") {
		t.Error("expected no handler before registration")
	}
	d.RegisterFunc("instance.list", func(ctx context.Context, msg *Message) (*Message, error) {
		return NewResponse(msg.ID, msg.Action, nil)
	})
	if !d.HasHandler("instance.list") {
		t.Error("expected handler after registration")
	}
}
