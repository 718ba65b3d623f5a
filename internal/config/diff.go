package config

import (
	"reflect"
)

// ChangedSections lists the top-level sections that differ between two configs.
// Section names are the JSON keys; values are never included so secrets stay out of logs.
func ChangedSections(oldCfg, newCfg *Config) []string {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	sections := []struct {
		name     string
		old, new any
	}{
		{"stream", oldCfg.Stream, newCfg.Stream},
		{"api", oldCfg.API, newCfg.API},
		{"dedup", oldCfg.Dedup, newCfg.Dedup},
		{"presenter", oldCfg.Presenter, newCfg.Presenter},
		{"counters", oldCfg.Counters, newCfg.Counters},
		{"watchdog", oldCfg.Watchdog, newCfg.Watchdog},
		{"alerts", oldCfg.Alerts, newCfg.Alerts},
		{"ui", oldCfg.UI, newCfg.UI},
		{"logging", oldCfg.Logging, newCfg.Logging},
	}
	var out []string
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			out = append(out, s.name)
		}
	}
	return out
}

// RestartRequired reports whether a change touches settings that are only read at startup:
// the stream target and the pull API client. Everything else is applied in place.
func RestartRequired(oldCfg, newCfg *Config) bool {
	if oldCfg == nil || newCfg == nil {
		return false
	}
	o, n := oldCfg.Stream, newCfg.Stream
	return o.URL != n.URL || o.Origin != n.Origin || o.Namespace != n.Namespace ||
		!reflect.DeepEqual(oldCfg.API, newCfg.API)
}
