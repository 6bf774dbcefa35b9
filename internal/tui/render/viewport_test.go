package render

import "testing"

func TestViewportSetLinesKeepsBottom(t *testing.T) {
	vp := NewViewport(10, 2)
	vp.SetLines([]string{"a", "b"})
	vp.GotoBottom()

	if !vp.SetLines([]string{"a", "b", "c"}) {
		t.Fatalf("expected content change")
	}
	if !vp.AtBottom() {
		t.Fatalf("viewport should stay anchored at bottom after append")
	}
	if vp.SetLines([]string{"a", "b", "c"}) {
		t.Fatalf("identical lines should be a no-op")
	}
}

func TestViewportScrolledUpStaysPut(t *testing.T) {
	vp := NewViewport(10, 2)
	vp.SetLines([]string{"a", "b", "c", "d"})
	vp.SetYOffset(0)

	vp.SetLines([]string{"a", "b", "c", "d", "e"})
	if vp.YOffset != 0 {
		t.Fatalf("YOffset = %d, want 0", vp.YOffset)
	}
}

func TestViewportScrollToRow(t *testing.T) {
	vp := NewViewport(8, 2)
	vp.SetLines([]string{"a", "b", "c", "d", "e"})
	vp.ScrollToRow(2)
	if got := vp.VisibleRange(); got != (Range{Start: 2, End: 4}) {
		t.Fatalf("visible range = %+v", got)
	}

	t.Run("clamped at bottom", func(t *testing.T) {
		vp.ScrollToRow(100)
		if !vp.AtBottom() {
			t.Fatalf("viewport should clamp to bottom")
		}
	})
}
