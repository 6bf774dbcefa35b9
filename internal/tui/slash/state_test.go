package slash

import (
	"strings"
	"testing"
)

func TestSyncInputOpensOnSlashToken(t *testing.T) {
	state := NewState(0)
	state.SyncInput("/re")
	if !state.Open() {
		t.Fatalf("expected slash popup to open")
	}
	if len(state.matches) == 0 {
		t.Fatalf("expected matches to be populated")
	}
	for _, m := range state.matches {
		if !strings.ContainsAny(m.item.Token(), "r") {
			t.Fatalf("unexpected match %q", m.item.Token())
		}
	}
}

func TestSyncInputOpensOnBareSlash(t *testing.T) {
	state := NewState(0)
	state.SyncInput("/")
	if !state.Open() || len(state.matches) != len(Builtins()) {
		t.Fatalf("bare slash should list every command, got %d", len(state.matches))
	}
}

func TestSyncInputClosesOnArgsOrText(t *testing.T) {
	state := NewState(0)
	for _, value := range []string{"hello", "/run ls", "/undo\nmore", ""} {
		state.SyncInput(value)
		if state.Open() {
			t.Fatalf("popup should stay closed for %q", value)
		}
	}
}

func TestHandleKeyTabCompletes(t *testing.T) {
	state := NewState(0)
	state.SyncInput("/sav")
	action, handled := state.HandleKey("tab")
	if !handled {
		t.Fatalf("expected tab handled")
	}
	if action.Kind != ActionInsert || action.NewValue != "/save " {
		t.Fatalf("unexpected action %+v", action)
	}
	if state.Open() {
		t.Fatalf("popup should close after completion")
	}
}

func TestHandleKeyEnter(t *testing.T) {
	tests := []struct {
		input string
		kind  ActionKind
		cmd   Command
	}{
		{"/save", ActionSubmit, CommandSave},
		{"/reasoning", ActionSubmit, CommandReasoning},
		// 必填参数的命令在 enter 时先补全
		{"/run", ActionInsert, CommandRun},
		{"/zzzz", ActionError, ""},
	}
	for _, tt := range tests {
		state := NewState(0)
		state.SyncInput(tt.input)
		action, handled := state.HandleKey("enter")
		if !handled {
			t.Fatalf("%s: enter not handled", tt.input)
		}
		if action.Kind != tt.kind || action.Command != tt.cmd {
			t.Fatalf("%s: action = %+v", tt.input, action)
		}
	}
}

func TestHandleKeyNavigationWraps(t *testing.T) {
	state := NewState(3)
	state.SyncInput("/")
	if _, handled := state.HandleKey("up"); !handled {
		t.Fatalf("up not handled")
	}
	item, ok := state.Selected()
	if !ok || item.Command != CommandQuit {
		t.Fatalf("up from first should wrap to last, got %+v", item)
	}
	state.HandleKey("down")
	if item, _ := state.Selected(); item.Command != CommandUndo {
		t.Fatalf("down should wrap to first, got %+v", item)
	}
	if got := strings.Count(state.View(80), "\n") + 1; got != 3 {
		t.Fatalf("view rows = %d, want 3", got)
	}
	if _, handled := state.HandleKey("x"); handled {
		t.Fatalf("plain keys pass through")
	}
}

func TestResolveSubmit(t *testing.T) {
	state := NewState(0)
	action := state.ResolveSubmit("/undo 12")
	if action.Kind != ActionSubmit || action.Command != CommandUndo || action.Args != "12" {
		t.Fatalf("unexpected action %+v", action)
	}
	if action := state.ResolveSubmit("/exit"); action.Command != CommandQuit {
		t.Fatalf("/exit should alias quit, got %+v", action)
	}
	if action := state.ResolveSubmit("/nope"); action.Kind != ActionError {
		t.Fatalf("unknown command should fail, got %+v", action)
	}
}
