package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"echo-transcript/internal/producer"

	tea "github.com/charmbracelet/bubbletea"
)

const samplePatch = `--- a/hello.txt
+++ b/hello.txt
@@ -1 +1 @@
-hi
+hello
`

func TestApprovalOverlayRejectsPatch(t *testing.T) {
	m, c := newTestModel(t, "unused")

	done := make(chan error, 1)
	go func() {
		_, err := c.ApplyPatch(context.Background(), samplePatch, false)
		done <- err
	}()
	waitUntil(t, "pending approval", func() bool { return len(c.Approvals().Pending()) == 1 })
	syncView(t, m)

	m.syncApprovals()
	if m.approvalActive == nil {
		t.Fatalf("expected an active approval")
	}
	if m.status.State() != StatusApproval {
		t.Fatalf("status = %v", m.status.State())
	}
	view := m.View()
	if !strings.Contains(view, "Approval required") || !strings.Contains(view, "hello.txt") {
		t.Fatalf("expected approval overlay, got:\n%s", view)
	}

	// Keys go to the overlay, not the composer.
	m.handleKey(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'x'}})
	if m.input.Value() != "" {
		t.Fatalf("composer received %q", m.input.Value())
	}

	m.handleKey(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'n'}})
	select {
	case err := <-done:
		if !errors.Is(err, producer.ErrPatchRejected) {
			t.Fatalf("ApplyPatch = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("patch producer never saw the decision")
	}
	if m.approvalActive != nil || m.status.State() != StatusIdle {
		t.Fatalf("overlay should close, active = %+v status = %v", m.approvalActive, m.status.State())
	}
}

func TestSyncApprovalsDropsVanishedRequests(t *testing.T) {
	m, c := newTestModel(t, "unused")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.ApplyPatch(ctx, samplePatch, false)
	}()
	waitUntil(t, "pending approval", func() bool { return len(c.Approvals().Pending()) == 1 })
	m.syncApprovals()
	if m.approvalActive == nil {
		t.Fatalf("expected an active approval")
	}

	cancel()
	<-done
	m.syncApprovals()
	if m.approvalActive != nil {
		t.Fatalf("cancelled request should leave the overlay")
	}
}
