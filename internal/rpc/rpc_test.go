package rpc

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestSuccessEchoesIntegerID(t *testing.T) {
	out := Success(json.RawMessage("7"), true)
	line := strings.TrimSuffix(string(out), "\n")
	if !strings.HasSuffix(string(out), "\n") {
		t.Fatal("response must be newline terminated")
	}
	if line != `{"jsonrpc":"2.0","result":true,"id":7}` {
		t.Fatalf("unexpected envelope: %s", line)
	}
}

func TestSuccessEchoesStringIDVerbatim(t *testing.T) {
	out := Success(json.RawMessage(`"req-001"`), nil)
	if !strings.Contains(string(out), `"id":"req-001"`) {
		t.Fatalf("string id must be preserved exactly: %s", out)
	}
	if !strings.Contains(string(out), `"result":null`) {
		t.Fatalf("null result must be explicit: %s", out)
	}
}

func TestFailureDefaultsNullID(t *testing.T) {
	out := Failure(nil, CodeParseError, "JSON parse error")
	var env struct {
		JSONRPC string          `json:"jsonrpc"`
		Error   *Error          `json:"error"`
		ID      json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(out, &env); err != nil {
		t.Fatalf("invalid envelope: %v", err)
	}
	if env.Error.Code != CodeParseError {
		t.Errorf("expected %d, got %d", CodeParseError, env.Error.Code)
	}
	if string(env.ID) != "null" {
		t.Errorf("absent id should serialize as null, got %s", env.ID)
	}
}

func TestRequestNotification(t *testing.T) {
	var req Request
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"vm.list"}`), &req); err != nil {
		t.Fatal(err)
	}
	if !req.IsNotification() {
		t.Error("request without id must be a notification")
	}

	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"vm.list","id":0}`), &req); err != nil {
		t.Fatal(err)
	}
	if req.IsNotification() {
		t.Error("id 0 is still an id")
	}
}
