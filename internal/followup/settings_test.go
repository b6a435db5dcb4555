package followup

import "testing"

func modePtr(m Mode) *Mode               { return &m }
func policyPtr(p DropPolicy) *DropPolicy { return &p }
func int64Ptr(v int64) *int64            { return &v }
func intPtr(v int) *int                  { return &v }

func TestMergeSettings_PartialOverride(t *testing.T) {
	cur := DefaultSettings()
	got := mergeSettings(cur, SettingsUpdate{
		Mode: modePtr(ModeCollect),
		Cap:  intPtr(5),
	})

	if got.Mode != ModeCollect || got.Cap != 5 {
		t.Fatalf("overrides not applied: %+v", got)
	}
	if got.DebounceMs != cur.DebounceMs || got.DropPolicy != cur.DropPolicy {
		t.Fatalf("untouched fields changed: %+v", got)
	}
	if cur.Mode != ModeFollowup {
		t.Fatal("merge mutated its input")
	}
}

func TestMergeSettings_NilLeavesEverything(t *testing.T) {
	cur := Settings{Mode: ModeCollect, DebounceMs: 50, Cap: 3, DropPolicy: DropOld}
	if got := mergeSettings(cur, SettingsUpdate{}); got != cur {
		t.Fatalf("empty update changed settings: %+v", got)
	}
}

func TestMergeSettings_ClampsBadValues(t *testing.T) {
	got := mergeSettings(DefaultSettings(), SettingsUpdate{
		Mode:       modePtr("turbo"),
		DebounceMs: int64Ptr(-100),
		Cap:        intPtr(0),
		DropPolicy: policyPtr("yolo"),
	})

	if got.Mode != ModeFollowup {
		t.Fatalf("mode = %q, want fallback %q", got.Mode, ModeFollowup)
	}
	if got.DebounceMs != 0 {
		t.Fatalf("debounce = %d, want clamped to 0", got.DebounceMs)
	}
	if got.Cap != DefaultCap {
		t.Fatalf("cap = %d, want default %d", got.Cap, DefaultCap)
	}
	if got.DropPolicy != DropSummarize {
		t.Fatalf("policy = %q, want fallback %q", got.DropPolicy, DropSummarize)
	}
}

func TestElide(t *testing.T) {
	if got := elide("  hello \n\t world  ", 160); got != "hello world" {
		t.Fatalf("elide = %q, want whitespace collapsed", got)
	}

	long := ""
	for i := 0; i < 50; i++ {
		long += "0123456789"
	}
	got := elide(long, 160)
	if n := len([]rune(got)); n != 160 {
		t.Fatalf("elided length = %d runes, want 160", n)
	}
}
