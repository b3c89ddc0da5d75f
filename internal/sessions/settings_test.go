package sessions

import "testing"

func boolPtr(b bool) *bool    { return &b }
func strPtr(s string) *string { return &s }

func TestApplySettingsChangeGatesWorkspaceToggle(t *testing.T) {
	cur := Settings{RestrictWorkspace: true}

	tests := []struct {
		name              string
		trusted           bool
		allowUnrestricted bool
		wantErr           bool
	}{
		{"untrusted refused", false, true, true},
		{"trusted but disabled refused", true, false, true},
		{"trusted and allowed", true, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ApplySettingsChange(cur, SettingsChange{RestrictWorkspace: boolPtr(false)},
				tt.trusted, tt.allowUnrestricted)
			if tt.wantErr {
				if err == nil {
					t.Fatal("toggle should be refused")
				}
				if !got.RestrictWorkspace {
					t.Error("refused toggle still applied")
				}
				return
			}
			if err != nil {
				t.Fatalf("toggle refused: %v", err)
			}
			if got.RestrictWorkspace {
				t.Error("toggle not applied")
			}
		})
	}
}

func TestApplySettingsChangePartialUpdate(t *testing.T) {
	cur := Settings{Model: "old", Verbosity: "low", RestrictWorkspace: true}
	got, err := ApplySettingsChange(cur, SettingsChange{Model: strPtr("new")}, false, false)
	if err != nil {
		t.Fatalf("ApplySettingsChange: %v", err)
	}
	if got.Model != "new" || got.Verbosity != "low" || !got.RestrictWorkspace {
		t.Errorf("merged = %+v", got)
	}
}

func TestUpdateSettingsPersists(t *testing.T) {
	s := newTestStore(t)
	key := "webui:local"

	if _, err := s.UpdateSettings(key, SettingsChange{Model: strPtr("m1")}, true, false); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	sess, err := s.Load(key)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if sess.Settings.Model != "m1" {
		t.Errorf("model = %q", sess.Settings.Model)
	}
}
