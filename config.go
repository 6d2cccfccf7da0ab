package main

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kir-gadjello/navassist/dialogue"
	"github.com/kir-gadjello/navassist/intent"
	"github.com/kir-gadjello/navassist/speech"
	"github.com/kir-gadjello/navassist/store"
)

const (
	defaultAPIBase  = "http://localhost:8000"
	defaultTimeout  = 30 // seconds
	defaultMaxSide  = 1600
	defaultQuality  = 85
	defaultLogLevel = "info"
)

// Profile is one named backend/device setup. Pointer fields are "unset"
// when nil so that extend can layer profiles.
type Profile struct {
	APIBase          *string                `yaml:"api_base,omitempty"`
	SiteID           *string                `yaml:"site_id,omitempty"`
	Provider         *string                `yaml:"provider,omitempty"`
	Lang             *string                `yaml:"lang,omitempty"`
	Timeout          *int                   `yaml:"timeout,omitempty"` // Seconds
	Speech           *bool                  `yaml:"speech,omitempty"`
	SpeechCommand    []string               `yaml:"speech_command,omitempty"`
	Voices           []speech.Voice         `yaml:"voices,omitempty"`
	RecorderCommand  []string               `yaml:"recorder_command,omitempty"`
	RecorderFormats  []string               `yaml:"recorder_formats,omitempty"`
	MaxRecordSeconds *int                   `yaml:"max_record_seconds,omitempty"`
	PhotoMaxSide     *int                   `yaml:"photo_max_side,omitempty"`
	PhotoQuality     *int                   `yaml:"photo_quality,omitempty"`
	Timing           map[string]interface{} `yaml:"timing,omitempty"`
	Headers          map[string]interface{} `yaml:"headers,omitempty"`
	Extend           *string                `yaml:"extend,omitempty"`
	Aliases          []string               `yaml:"aliases,omitempty"`
}

type ConfigFile struct {
	Default  string             `yaml:"default,omitempty"`
	Timeout  *int               `yaml:"timeout,omitempty"` // Global default in seconds
	LogLevel *string            `yaml:"log_level,omitempty"`
	WatchDir *string            `yaml:"watch_dir,omitempty"`
	Profiles map[string]Profile `yaml:"profiles,omitempty"`
}

func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".navassist"
	}
	return filepath.Join(home, ".navassist")
}

// loadConfig reads ~/.navassist/config.yaml. A missing file is an empty
// config; a malformed one is an error.
func loadConfig() (*ConfigFile, error) {
	dir := configDir()
	return loadConfigFile(filepath.Join(dir, "config.yaml"))
}

func loadConfigFile(path string) (*ConfigFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			os.MkdirAll(filepath.Dir(path), 0o755) // Ignore error
		}
		// An unreadable config never stops the client
		return &ConfigFile{}, nil
	}

	var cfg ConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	// Expand aliases into profiles extending their owner
	if cfg.Profiles != nil {
		aliasMap := make(map[string]Profile)
		for name, p := range cfg.Profiles {
			for _, alias := range p.Aliases {
				if _, exists := cfg.Profiles[alias]; exists {
					fmt.Fprintf(os.Stderr, "Warning: alias '%s' of profile '%s' clashes with an existing profile. Ignoring alias.\n", alias, name)
					continue
				}
				if _, exists := aliasMap[alias]; exists {
					fmt.Fprintf(os.Stderr, "Warning: duplicate alias '%s' in profile '%s'. Ignoring.\n", alias, name)
					continue
				}
				parent := name
				aliasMap[alias] = Profile{Extend: &parent}
			}
		}
		for k, v := range aliasMap {
			cfg.Profiles[k] = v
		}
	}

	return &cfg, nil
}

func mergeMaps(base, override map[string]interface{}) map[string]interface{} {
	if base == nil {
		base = make(map[string]interface{})
	}
	if override == nil {
		return base
	}

	result := make(map[string]interface{}, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if baseVal, ok := result[k]; ok {
			baseMap, baseOk := baseVal.(map[string]interface{})
			overrideMap, overrideOk := v.(map[string]interface{})
			if baseOk && overrideOk {
				result[k] = mergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

func resolveProfile(cfg *ConfigFile, name string) (Profile, error) {
	if cfg == nil || len(cfg.Profiles) == 0 || name == "" {
		return Profile{}, nil
	}
	return resolveProfileRec(cfg, name, map[string]bool{})
}

func resolveProfileRec(cfg *ConfigFile, name string, visited map[string]bool) (Profile, error) {
	if visited[name] {
		return Profile{}, fmt.Errorf("circular extend detected for profile: %s", name)
	}
	visited[name] = true

	p, ok := cfg.Profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown profile: %s", name)
	}
	if p.Extend == nil {
		return p, nil
	}

	parent, err := resolveProfileRec(cfg, *p.Extend, visited)
	if err != nil {
		return Profile{}, err
	}

	merged := parent
	if p.APIBase != nil {
		merged.APIBase = p.APIBase
	}
	if p.SiteID != nil {
		merged.SiteID = p.SiteID
	}
	if p.Provider != nil {
		merged.Provider = p.Provider
	}
	if p.Lang != nil {
		merged.Lang = p.Lang
	}
	if p.Timeout != nil {
		merged.Timeout = p.Timeout
	}
	if p.Speech != nil {
		merged.Speech = p.Speech
	}
	if p.SpeechCommand != nil {
		merged.SpeechCommand = p.SpeechCommand
	}
	if p.Voices != nil {
		merged.Voices = p.Voices
	}
	if p.RecorderCommand != nil {
		merged.RecorderCommand = p.RecorderCommand
	}
	if p.RecorderFormats != nil {
		merged.RecorderFormats = p.RecorderFormats
	}
	if p.MaxRecordSeconds != nil {
		merged.MaxRecordSeconds = p.MaxRecordSeconds
	}
	if p.PhotoMaxSide != nil {
		merged.PhotoMaxSide = p.PhotoMaxSide
	}
	if p.PhotoQuality != nil {
		merged.PhotoQuality = p.PhotoQuality
	}
	merged.Timing = mergeMaps(merged.Timing, p.Timing)
	merged.Headers = mergeMaps(merged.Headers, p.Headers)
	merged.Extend = p.Extend

	return merged, nil
}

// RunConfig is the fully resolved configuration for one invocation.
type RunConfig struct {
	APIBase   string        `validate:"required,url"`
	SessionID string        `validate:"required,max=64"`
	SiteID    string        `validate:"oneof=SCENE_A_MS SCENE_B_STUDIO"`
	Provider  string        `validate:"oneof=ft base"`
	Lang      string        `validate:"oneof=en zh"`
	Timeout   time.Duration `validate:"gt=0"`
	Verbose   bool
	LogLevel  string `validate:"oneof=debug info warn warning error"`

	Speech           bool
	SpeechCommand    []string
	Voices           []speech.Voice
	RecorderCommand  []string
	RecorderFormats  []string
	MaxRecordSeconds int `validate:"gte=1,lte=120"`
	PhotoMaxSide     int `validate:"gte=64"`
	PhotoQuality     int `validate:"gte=1,lte=100"`
	Timing           dialogue.Timing
	Headers          map[string]string
	WatchDir         string

	DataDir string `validate:"required"`
}

var validate = validator.New()

// defaultSessionID mirrors what a fresh client proposes: T plus 0..999.
func defaultSessionID() string {
	return "T" + strconv.Itoa(rand.IntN(1000))
}

// getRunConfig layers defaults, the selected profile, saved preferences,
// the environment and finally explicit flags.
func getRunConfig(cmd *cobra.Command, cfg *ConfigFile, prefs store.Preferences) (RunConfig, error) {
	flags := cmd.Flags()

	rc := RunConfig{
		APIBase:          defaultAPIBase,
		SiteID:           intent.SiteMakerSpace,
		Provider:         "ft",
		Lang:             "en",
		Timeout:          defaultTimeout * time.Second,
		LogLevel:         defaultLogLevel,
		Speech:           true,
		Voices:           speech.DefaultVoices,
		MaxRecordSeconds: 10,
		PhotoMaxSide:     defaultMaxSide,
		PhotoQuality:     defaultQuality,
		Timing:           dialogue.DefaultTiming(),
		DataDir:          configDir(),
	}

	if cfg == nil {
		cfg = &ConfigFile{}
	}
	if cfg.Timeout != nil {
		rc.Timeout = time.Duration(*cfg.Timeout) * time.Second
	}
	if cfg.LogLevel != nil {
		rc.LogLevel = *cfg.LogLevel
	}
	if cfg.WatchDir != nil {
		rc.WatchDir = *cfg.WatchDir
	}

	profileName, _ := flags.GetString("profile")
	if profileName == "" {
		profileName = cfg.Default
	}
	p, err := resolveProfile(cfg, profileName)
	if err != nil {
		return RunConfig{}, err
	}
	if err := applyProfile(&rc, p); err != nil {
		return RunConfig{}, err
	}

	// choices made in the interactive view outlive a single run
	if prefs.SessionID != "" {
		rc.SessionID = prefs.SessionID
	}
	if prefs.SiteID != "" {
		rc.SiteID = prefs.SiteID
	}
	if prefs.Provider != "" {
		rc.Provider = prefs.Provider
	}
	if prefs.Lang != "" {
		rc.Lang = prefs.Lang
	}

	if v := os.Getenv("NAVASSIST_API_BASE"); v != "" {
		rc.APIBase = v
	}

	if flags.Changed("api-base") {
		rc.APIBase, _ = flags.GetString("api-base")
	}
	if flags.Changed("session") {
		rc.SessionID, _ = flags.GetString("session")
	}
	if flags.Changed("site") {
		rc.SiteID, _ = flags.GetString("site")
	}
	if flags.Changed("provider") {
		rc.Provider, _ = flags.GetString("provider")
	}
	if flags.Changed("lang") {
		rc.Lang, _ = flags.GetString("lang")
	}
	if flags.Changed("timeout") {
		sec, _ := flags.GetInt("timeout")
		rc.Timeout = time.Duration(sec) * time.Second
	}
	if noSpeech, _ := flags.GetBool("no-speech"); noSpeech {
		rc.Speech = false
	}
	rc.Verbose, _ = flags.GetBool("verbose")
	if rc.Verbose {
		rc.LogLevel = "debug"
	}
	if flags.Lookup("watch") != nil && flags.Changed("watch") {
		rc.WatchDir, _ = flags.GetString("watch")
	}

	if rc.SessionID == "" {
		rc.SessionID = defaultSessionID()
	}

	if err := validate.Struct(rc); err != nil {
		return RunConfig{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return rc, nil
}

func applyProfile(rc *RunConfig, p Profile) error {
	if p.APIBase != nil {
		rc.APIBase = *p.APIBase
	}
	if p.SiteID != nil {
		rc.SiteID = *p.SiteID
	}
	if p.Provider != nil {
		rc.Provider = *p.Provider
	}
	if p.Lang != nil {
		rc.Lang = *p.Lang
	}
	if p.Timeout != nil {
		rc.Timeout = time.Duration(*p.Timeout) * time.Second
	}
	if p.Speech != nil {
		rc.Speech = *p.Speech
	}
	if p.SpeechCommand != nil {
		rc.SpeechCommand = p.SpeechCommand
	}
	if p.Voices != nil {
		rc.Voices = p.Voices
	}
	if p.RecorderCommand != nil {
		rc.RecorderCommand = p.RecorderCommand
	}
	if p.RecorderFormats != nil {
		rc.RecorderFormats = p.RecorderFormats
	}
	if p.MaxRecordSeconds != nil {
		rc.MaxRecordSeconds = *p.MaxRecordSeconds
	}
	if p.PhotoMaxSide != nil {
		rc.PhotoMaxSide = *p.PhotoMaxSide
	}
	if p.PhotoQuality != nil {
		rc.PhotoQuality = *p.PhotoQuality
	}
	if len(p.Timing) > 0 {
		t, err := decodeTiming(rc.Timing, p.Timing)
		if err != nil {
			return err
		}
		rc.Timing = t
	}
	if len(p.Headers) > 0 {
		rc.Headers = make(map[string]string, len(p.Headers))
		for k, v := range p.Headers {
			rc.Headers[k] = fmt.Sprint(v)
		}
	}
	return nil
}

// decodeTiming overlays a timing map ("qa_reply: 500ms") on base.
func decodeTiming(base dialogue.Timing, m map[string]interface{}) (dialogue.Timing, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return base, err
	}
	out := base
	if err := yaml.Unmarshal(data, &out); err != nil {
		return base, fmt.Errorf("invalid timing: %w", err)
	}
	return out, nil
}
