package config

import "time"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// takes effect on restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	GateThresholdChanged bool
	NewGateThreshold     float64

	GainChanged bool
	NewGain     float64

	GateModeChanged bool

	BandPassChanged bool

	SilenceWindowChanged bool
	NewSilenceWindow     time.Duration

	VoiceChanged bool
	NewVoice     string

	// RestartRequired lists the sections whose changes were ignored.
	RestartRequired []string
}

// Empty reports whether nothing hot-reloadable changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.GateThresholdChanged && !d.GainChanged &&
		!d.GateModeChanged && !d.BandPassChanged && !d.SilenceWindowChanged && !d.VoiceChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oc, nc := old.Capture, new.Capture
	if oc.GateThreshold != nc.GateThreshold {
		d.GateThresholdChanged = true
		d.NewGateThreshold = nc.GateThreshold
	}
	if oc.Gain != nc.Gain {
		d.GainChanged = true
		d.NewGain = nc.Gain
	}
	d.GateModeChanged = oc.GateMode != nc.GateMode
	d.BandPassChanged = oc.BandLowHz != nc.BandLowHz || oc.BandHighHz != nc.BandHighHz

	if old.Utterance.SilenceWindow != new.Utterance.SilenceWindow {
		d.SilenceWindowChanged = true
		d.NewSilenceWindow = new.Utterance.SilenceWindow
	}
	if old.Speech.Voice != new.Speech.Voice {
		d.VoiceChanged = true
		d.NewVoice = new.Speech.Voice
	}

	// Sections that are consumed once at startup.
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !sameEntry(old.Providers.STT, new.Providers.STT) || !sameEntry(old.Providers.LLM, new.Providers.LLM) ||
		!sameEntry(old.Providers.TTS, new.Providers.TTS) || !sameEntry(old.Providers.TTSFallback, new.Providers.TTSFallback) ||
		old.Providers.Breaker != new.Providers.Breaker {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if oc.SampleRate != nc.SampleRate || oc.FrameSize != nc.FrameSize || oc.Device != nc.Device || oc.MinSilence != nc.MinSilence {
		d.RestartRequired = append(d.RestartRequired, "capture")
	}
	if old.Transcript != new.Transcript {
		d.RestartRequired = append(d.RestartRequired, "transcript")
	}
	if old.Chat != new.Chat {
		d.RestartRequired = append(d.RestartRequired, "chat")
	}
	if old.History != new.History {
		d.RestartRequired = append(d.RestartRequired, "history")
	}
	if old.LipSync != new.LipSync {
		d.RestartRequired = append(d.RestartRequired, "lipsync")
	}
	return d
}

// sameEntry compares the fields of two provider entries that select and
// authenticate a provider. Options are not compared.
func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
