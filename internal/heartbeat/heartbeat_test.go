package heartbeat

import "testing"

func TestHasUncheckedTask(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{"unchecked dash", "# Tasks\n- [ ] do the thing\n", true},
		{"unchecked star", "* [ ] other thing", true},
		{"indented unchecked", "  - [ ] nested", true},
		{"all checked", "- [x] done\n- [X] also done\n", false},
		{"no tasks", "just prose, nothing to do", false},
		{"empty", "", false},
		{"checkbox mid-line is not a task", "see the - [ ] syntax docs", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasUncheckedTask(tt.text); got != tt.want {
				t.Errorf("HasUncheckedTask(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}
