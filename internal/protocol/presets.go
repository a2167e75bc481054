package protocol

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPresetName is used when a Config names no preset.
const DefaultPresetName = "default"

// Preset tunes a dial and its session for a family of servers. Old FTP
// daemons and shared hosts need longer timeouts, more frequent keepalives and
// sometimes plain PASV instead of EPSV.
type Preset struct {
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	DataTimeout       time.Duration `yaml:"data_timeout"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	DisableEPSV       bool          `yaml:"disable_epsv"`
}

var builtinPresets = map[string]Preset{
	DefaultPresetName: {
		ConnectTimeout:    10 * time.Second,
		DataTimeout:       30 * time.Second,
		KeepaliveInterval: 30 * time.Second,
	},
	// ProFTPD 1.2, vsftpd 1.x and similar
	"legacy": {
		ConnectTimeout:    15 * time.Second,
		DataTimeout:       30 * time.Second,
		KeepaliveInterval: 20 * time.Second,
		DisableEPSV:       true,
	},
	// IIS FTP 6.0-8.5
	"iis": {
		ConnectTimeout:    10 * time.Second,
		DataTimeout:       60 * time.Second,
		KeepaliveInterval: 45 * time.Second,
		DisableEPSV:       true,
	},
	// cPanel / Plesk shared hosting
	"shared": {
		ConnectTimeout:    20 * time.Second,
		DataTimeout:       30 * time.Second,
		KeepaliveInterval: 25 * time.Second,
	},
	"modern": {
		ConnectTimeout:    10 * time.Second,
		DataTimeout:       60 * time.Second,
		KeepaliveInterval: 60 * time.Second,
	},
}

var (
	presetsMu sync.RWMutex
	presets   = copyPresets(builtinPresets)
)

func copyPresets(in map[string]Preset) map[string]Preset {
	out := make(map[string]Preset, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// LookupPreset returns the named preset.
func LookupPreset(name string) (Preset, bool) {
	if name == "" {
		name = DefaultPresetName
	}
	presetsMu.RLock()
	defer presetsMu.RUnlock()
	p, ok := presets[name]
	return p, ok
}

// presetFile is the YAML layout of a presets override file:
//
//	presets:
//	  legacy:
//	    connect_timeout: 20s
//	    disable_epsv: true
type presetFile struct {
	Presets map[string]Preset `yaml:"presets"`
}

// LoadPresets merges presets from a YAML file over the built-in table.
// Unset durations in an entry inherit from the built-in preset of the same
// name, or from "default" for new names.
func LoadPresets(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read presets: %w", err)
	}
	var f presetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse presets %s: %w", path, err)
	}

	merged := copyPresets(builtinPresets)
	for name, p := range f.Presets {
		base, ok := builtinPresets[name]
		if !ok {
			base = builtinPresets[DefaultPresetName]
		}
		if p.ConnectTimeout <= 0 {
			p.ConnectTimeout = base.ConnectTimeout
		}
		if p.DataTimeout <= 0 {
			p.DataTimeout = base.DataTimeout
		}
		if p.KeepaliveInterval <= 0 {
			p.KeepaliveInterval = base.KeepaliveInterval
		}
		merged[name] = p
	}

	presetsMu.Lock()
	presets = merged
	presetsMu.Unlock()
	return nil
}

// ResetPresets restores the built-in table.
func ResetPresets() {
	presetsMu.Lock()
	presets = copyPresets(builtinPresets)
	presetsMu.Unlock()
}
