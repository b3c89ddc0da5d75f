package sessions

import (
	"fmt"

	"github.com/nanobot-ai/nanobot/internal/errs"
)

// SettingsChange is a partial update to session settings; nil fields are
// left unchanged.
type SettingsChange struct {
	Model             *string
	Verbosity         *string
	RestrictWorkspace *bool
}

// ApplySettingsChange merges a change into cur, enforcing the workspace
// gate: lifting the workspace restriction requires the admin-level
// allowUnrestricted config AND a trusted caller. Untrusted callers' toggle
// attempts are rejected with a Validation error rather than ignored.
func ApplySettingsChange(cur Settings, change SettingsChange, trusted, allowUnrestricted bool) (Settings, error) {
	out := cur
	if change.Model != nil {
		out.Model = *change.Model
	}
	if change.Verbosity != nil {
		out.Verbosity = *change.Verbosity
	}
	if change.RestrictWorkspace != nil {
		if !*change.RestrictWorkspace {
			if !trusted {
				return cur, errs.New(errs.Validation, "sessions.ApplySettingsChange",
					fmt.Errorf("untrusted channel may not lift the workspace restriction"))
			}
			if !allowUnrestricted {
				return cur, errs.New(errs.Validation, "sessions.ApplySettingsChange",
					fmt.Errorf("unrestricted workspace access is disabled by configuration"))
			}
		}
		out.RestrictWorkspace = *change.RestrictWorkspace
	}
	return out, nil
}

// UpdateSettings loads, merges, gates, and persists a settings change.
func (s *Store) UpdateSettings(key string, change SettingsChange, trusted, allowUnrestricted bool) (Settings, error) {
	sess, err := s.Load(key)
	if err != nil {
		return Settings{}, err
	}
	merged, err := ApplySettingsChange(sess.Settings, change, trusted, allowUnrestricted)
	if err != nil {
		return sess.Settings, err
	}
	if err := s.SaveSettings(key, merged); err != nil {
		return sess.Settings, err
	}
	return merged, nil
}
