package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	TonesChanged    bool       // true if any tone was added, removed, or modified
	ToneChanges     []ToneDiff // per-tone diffs, in new-config order then removals
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists top-level sections whose changes only take effect
	// after a restart.
	RestartRequired []string
}

// ToneDiff describes what changed for a single tone between two configs.
type ToneDiff struct {
	ID              string
	AdapterChanged  bool
	TemplateChanged bool
	SamplingChanged bool
	Added           bool
	Removed         bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldTones := make(map[string]*ToneConfig, len(old.Tones))
	for i := range old.Tones {
		oldTones[old.Tones[i].ID] = &old.Tones[i]
	}
	newIDs := make(map[string]struct{}, len(new.Tones))

	for i := range new.Tones {
		nt := &new.Tones[i]
		newIDs[nt.ID] = struct{}{}
		ot, exists := oldTones[nt.ID]
		if !exists {
			d.ToneChanges = append(d.ToneChanges, ToneDiff{ID: nt.ID, Added: true})
			continue
		}
		td := diffTone(ot, nt)
		if td.AdapterChanged || td.TemplateChanged || td.SamplingChanged {
			d.ToneChanges = append(d.ToneChanges, td)
		}
	}
	for i := range old.Tones {
		if _, exists := newIDs[old.Tones[i].ID]; !exists {
			d.ToneChanges = append(d.ToneChanges, ToneDiff{ID: old.Tones[i].ID, Removed: true})
		}
	}
	d.TonesChanged = len(d.ToneChanges) > 0

	if old.Providers.LLM.Name != new.Providers.LLM.Name || old.Providers.LLM.Model != new.Providers.LLM.Model ||
		old.Providers.Embeddings.Name != new.Providers.Embeddings.Name || old.Providers.Embeddings.Model != new.Providers.Embeddings.Model {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Index != new.Index {
		d.RestartRequired = append(d.RestartRequired, "index")
	}
	if old.Store != new.Store {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	if old.Cache != new.Cache {
		d.RestartRequired = append(d.RestartRequired, "cache")
	}
	if old.Pipeline != new.Pipeline {
		d.RestartRequired = append(d.RestartRequired, "pipeline")
	}
	return d
}

func diffTone(old, new *ToneConfig) ToneDiff {
	return ToneDiff{
		ID:              new.ID,
		AdapterChanged:  old.Adapter != new.Adapter || old.AdapterVersion != new.AdapterVersion,
		TemplateChanged: old.PromptTemplate != new.PromptTemplate || old.SystemPrompt != new.SystemPrompt,
		SamplingChanged: !sameFloat(old.Temperature, new.Temperature) || old.MaxTokens != new.MaxTokens,
	}
}

func sameFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
