package approval

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestWaiterApproved(t *testing.T) {
	w := NewWaiter()
	done := make(chan Decision, 1)
	go func() {
		done <- w.RegisterAndWait(context.Background(), "c1", "tc1", time.Second)
	}()

	waitForPending(t, w, "c1", 1)
	if !w.SignalApproved("c1", "tc1") {
		t.Fatal("expected a registered waiter")
	}
	if d := <-done; d != DecisionApproved {
		t.Errorf("decision = %q, want approved", d)
	}
	if w.Pending("c1") != 0 {
		t.Error("slot not removed after wait")
	}
}

func TestWaiterRejected(t *testing.T) {
	w := NewWaiter()
	done := make(chan Decision, 1)
	go func() {
		done <- w.RegisterAndWait(context.Background(), "c1", "tc1", time.Second)
	}()

	waitForPending(t, w, "c1", 1)
	w.SignalRejected("c1", "tc1")
	if d := <-done; d != DecisionRejected {
		t.Errorf("decision = %q, want rejected", d)
	}
}

func TestWaiterTimeout(t *testing.T) {
	w := NewWaiter()
	d := w.RegisterAndWait(context.Background(), "c1", "tc1", 20*time.Millisecond)
	if d != DecisionTimeout {
		t.Errorf("decision = %q, want timeout", d)
	}
	if w.Pending("c1") != 0 {
		t.Error("slot not removed after timeout")
	}
}

func TestWaiterSignalBeforeRegisterIsBuffered(t *testing.T) {
	w := NewWaiter()
	w.SignalApproved("c1", "tc1")
	// The user beat the executor to the rendezvous; the late waiter must
	// resolve immediately instead of blocking until the timeout.
	d := w.RegisterAndWait(context.Background(), "c1", "tc1", time.Hour)
	if d != DecisionApproved {
		t.Errorf("decision = %q, want approved", d)
	}
	if w.Pending("c1") != 0 {
		t.Error("slot left behind")
	}

	w.SignalRejected("c1", "tc2")
	if d := w.RegisterAndWait(context.Background(), "c1", "tc2", time.Hour); d != DecisionRejected {
		t.Errorf("decision = %q, want rejected", d)
	}
}

func TestRejectAllDropsBufferedDecisions(t *testing.T) {
	w := NewWaiter()
	w.SignalApproved("c1", "tc1")
	w.RejectAll("c1")
	d := w.RegisterAndWait(context.Background(), "c1", "tc1", 20*time.Millisecond)
	if d != DecisionTimeout {
		t.Errorf("decision = %q, want timeout", d)
	}
}

func TestWaiterRejectAll(t *testing.T) {
	w := NewWaiter()
	results := make(chan Decision, 3)
	for _, id := range []string{"a", "b"} {
		id := id
		go func() {
			results <- w.RegisterAndWait(context.Background(), "c1", id, time.Second)
		}()
	}
	go func() {
		results <- w.RegisterAndWait(context.Background(), "c2", "x", 200*time.Millisecond)
	}()

	waitForPending(t, w, "c1", 2)
	waitForPending(t, w, "c2", 1)

	if n := w.RejectAll("c1"); n != 2 {
		t.Errorf("RejectAll = %d, want 2", n)
	}
	if d := <-results; d != DecisionRejected {
		t.Errorf("decision = %q, want rejected", d)
	}
	if d := <-results; d != DecisionRejected {
		t.Errorf("decision = %q, want rejected", d)
	}
	// The other chat's waiter is untouched and times out on its own.
	if d := <-results; d != DecisionTimeout {
		t.Errorf("other chat decision = %q, want timeout", d)
	}
}

func waitForPending(t *testing.T, w *Waiter, chatID string, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if w.Pending(chatID) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("waiter for %s never registered", chatID)
}

func TestRuleMatching(t *testing.T) {
	input := json.RawMessage(`{"path":"/work/src/main.go","mode":"span"}`)
	call := CallInfo{ToolName: "read_file", Path: "/work/src/main.go", Input: input}

	tests := []struct {
		name string
		rule Rule
		want bool
	}{
		{"tool match", Rule{Field: FieldTool, Value: "read_file", Enabled: true}, true},
		{"tool mismatch", Rule{Field: FieldTool, Value: "edit_file", Enabled: true}, false},
		{"disabled", Rule{Field: FieldTool, Value: "read_file", Enabled: false}, false},
		{"path equal", Rule{Field: FieldPath, Value: "/work/src/main.go", Enabled: true}, true},
		{"extension", Rule{Field: FieldExtension, Value: "go", Enabled: true}, true},
		{"extension dotted", Rule{Field: FieldExtension, Value: ".go", Enabled: true}, true},
		{"extension mismatch", Rule{Field: FieldExtension, Value: "py", Enabled: true}, false},
		{"directory prefix", Rule{Field: FieldDirectory, Value: "/work", Enabled: true}, true},
		{"directory exact", Rule{Field: FieldDirectory, Value: "/work/src", Enabled: true}, true},
		{"directory non-prefix", Rule{Field: FieldDirectory, Value: "/other", Enabled: true}, false},
		{"directory partial component", Rule{Field: FieldDirectory, Value: "/work/sr", Enabled: true}, false},
		{"pattern substring", Rule{Field: FieldPattern, Value: `"mode":"span"`, Enabled: true}, true},
		{"pattern absent", Rule{Field: FieldPattern, Value: "delete", Enabled: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rule.Matches(call); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatcherFirstEnabledRuleWins(t *testing.T) {
	m := NewMatcher([]Rule{
		{ID: "r1", Field: FieldTool, Value: "grep", Enabled: false},
		{ID: "r2", Field: FieldTool, Value: "grep", Enabled: true},
	})
	rule, ok := m.AutoApproved(CallInfo{ToolName: "grep"})
	if !ok || rule.ID != "r2" {
		t.Errorf("AutoApproved = (%v, %v), want rule r2", rule.ID, ok)
	}
}

func TestPathFromInput(t *testing.T) {
	if got := PathFromInput(json.RawMessage(`{"path":"/a/b"}`)); got != "/a/b" {
		t.Errorf("path = %q", got)
	}
	if got := PathFromInput(json.RawMessage(`{"file_path":"/c"}`)); got != "/c" {
		t.Errorf("file_path = %q", got)
	}
	if got := PathFromInput(json.RawMessage(`not json`)); got != "" {
		t.Errorf("invalid input path = %q, want empty", got)
	}
}
