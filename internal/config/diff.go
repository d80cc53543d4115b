package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	CharactersChanged bool            // true if any character was added, removed, or edited
	CharacterChanges  []CharacterDiff // per-character diffs
	LogLevelChanged   bool
	NewLogLevel       LogLevel

	// RestartRequired lists the sections that changed but only take effect
	// after a restart.
	RestartRequired []string
}

// CharacterDiff describes what changed for a single character.
type CharacterDiff struct {
	Name                string
	VoiceChanged        bool
	InstructionsChanged bool
	Added               bool
	Removed             bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldChars := make(map[string]CharacterConfig, len(old.Characters))
	for _, c := range old.Characters {
		oldChars[c.Name] = c
	}
	newChars := make(map[string]CharacterConfig, len(new.Characters))
	for _, c := range new.Characters {
		newChars[c.Name] = c
	}

	for _, c := range old.Characters {
		nc, ok := newChars[c.Name]
		if !ok {
			d.CharacterChanges = append(d.CharacterChanges, CharacterDiff{Name: c.Name, Removed: true})
			continue
		}
		cd := CharacterDiff{
			Name:                c.Name,
			VoiceChanged:        c.Voice != nc.Voice,
			InstructionsChanged: c.Instructions != nc.Instructions,
		}
		if cd.VoiceChanged || cd.InstructionsChanged {
			d.CharacterChanges = append(d.CharacterChanges, cd)
		}
	}
	for _, c := range new.Characters {
		if _, ok := oldChars[c.Name]; !ok {
			d.CharacterChanges = append(d.CharacterChanges, CharacterDiff{Name: c.Name, Added: true})
		}
	}
	// Reordering changes the catalogue the client shows.
	d.CharactersChanged = len(d.CharacterChanges) > 0 ||
		!slices.Equal(old.CharacterNames(), new.CharacterNames())

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		old.Server.StaticDir != new.Server.StaticDir ||
		old.Server.LogFormat != new.Server.LogFormat {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Relay != new.Relay {
		d.RestartRequired = append(d.RestartRequired, "relay")
	}
	if old.Transport != new.Transport {
		d.RestartRequired = append(d.RestartRequired, "transport")
	}
	if !upstreamEqual(old.Upstream, new.Upstream) {
		d.RestartRequired = append(d.RestartRequired, "upstream")
	}

	return d
}

func upstreamEqual(a, b UpstreamConfig) bool {
	if a.Breaker != b.Breaker || !entryEqual(a.ProviderEntry, b.ProviderEntry) {
		return false
	}
	return slices.EqualFunc(a.Fallbacks, b.Fallbacks, entryEqual)
}

func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, v := range a.Options {
		if w, ok := b.Options[k]; !ok || !scalarEqual(v, w) {
			return false
		}
	}
	return true
}

// scalarEqual compares option values. Nested maps and lists are treated as
// changed, which only errs towards reporting a restart.
func scalarEqual(a, b any) bool {
	switch a.(type) {
	case string, bool, int, int64, float64, nil:
		return a == b
	}
	return false
}
