package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "PROMPTMATRIX"

// Paths captures the config files used during LoadConfig.
type Paths struct {
	Default string
	Global  string
	Project string
}

var (
	currentConfig *viper.Viper
	currentPaths  Paths
)

// builtinDefaults apply when no config file sets a key.
var builtinDefaults = map[string]any{
	"output.dir":             "",
	"local.server_path":      "llama-server",
	"local.startup_timeout":  "2m",
	"local.gpu_layers":       999,
	"remote.include_usage":   true,
	"remote.request_timeout": "10m",
	"remote.openai_api_key":  "",
	"remote.google_api_key":  "",
	"notify.webhook":         "",
	"run.concurrent":         false,
}

// LoadConfig loads and merges configuration in priority order:
// built-in -> default -> global -> project (highest).
func LoadConfig(projectDir string) (Paths, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, value := range builtinDefaults {
		v.SetDefault(key, value)
	}

	paths := Paths{
		Default: defaultConfigPath(),
		Global:  globalConfigPath(),
		Project: projectConfigPath(projectDir),
	}

	if err := readConfigFile(v, paths.Default); err != nil {
		return paths, err
	}
	if err := mergeConfigFile(v, paths.Global); err != nil {
		return paths, err
	}
	if err := mergeConfigFile(v, paths.Project); err != nil {
		return paths, err
	}

	currentConfig = v
	currentPaths = paths

	return paths, nil
}

// Known reports whether key is one of the settings promptmatrix reads.
func Known(key string) bool {
	_, ok := builtinDefaults[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// CurrentPaths returns the files merged by the last LoadConfig.
func CurrentPaths() Paths {
	return currentPaths
}

// GetConfig returns a config value as a string with env overrides applied.
// Provider credentials fall back to their conventional environment variables.
func GetConfig(key string) (string, bool) {
	if key == "" {
		return "", false
	}

	if currentConfig != nil && currentConfig.IsSet(key) {
		value := valueToString(currentConfig.Get(key))
		if value != "" {
			return value, true
		}
	}

	if envKey, ok := credentialEnvFallbacks()[key]; ok {
		if value, found := os.LookupEnv(envKey); found && value != "" {
			return value, true
		}
	}

	if currentConfig == nil {
		if value, ok := builtinDefaults[key]; ok {
			return valueToString(value), true
		}
		return "", false
	}
	if !currentConfig.IsSet(key) {
		return "", false
	}
	return valueToString(currentConfig.Get(key)), true
}

// SetConfig writes a configuration value to the global config file.
func SetConfig(key, value string) error {
	if key == "" {
		return errors.New("config key is required")
	}

	globalPath := globalConfigPath()
	if globalPath == "" {
		return errors.New("global config path is not available")
	}

	if err := os.MkdirAll(filepath.Dir(globalPath), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(globalPath)
	if fileExists(globalPath) {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read global config: %w", err)
		}
	}

	v.Set(key, value)
	if err := v.WriteConfigAs(globalPath); err != nil {
		return fmt.Errorf("write global config: %w", err)
	}

	if currentConfig != nil {
		currentConfig.Set(key, value)
	}

	return nil
}

// ListConfig returns a flattened view of the current configuration.
func ListConfig() (map[string]string, error) {
	if currentConfig == nil {
		return nil, errors.New("config not loaded")
	}

	settings := currentConfig.AllSettings()
	flattened := map[string]string{}
	flattenSettings("", settings, flattened)
	for key := range flattened {
		if isSecret(key) && flattened[key] != "" {
			flattened[key] = "********"
		}
	}
	return flattened, nil
}

// Settings is the typed view of the configuration a run uses.
type Settings struct {
	OutputDir     string
	Local         LocalSettings
	Remote        RemoteSettings
	NotifyWebhook string
	Concurrent    bool
}

type LocalSettings struct {
	ServerPath     string
	StartupTimeout time.Duration
	GPULayers      int
}

type RemoteSettings struct {
	IncludeUsage   bool
	RequestTimeout time.Duration
	// APIKeys maps provider name to credential.
	APIKeys map[string]string
}

// Current resolves Settings from the loaded configuration. Values that fail
// to parse fall back to the built-in default.
func Current() Settings {
	return Settings{
		OutputDir: stringValue("output.dir"),
		Local: LocalSettings{
			ServerPath:     stringValue("local.server_path"),
			StartupTimeout: durationValue("local.startup_timeout"),
			GPULayers:      intValue("local.gpu_layers"),
		},
		Remote: RemoteSettings{
			IncludeUsage:   boolValue("remote.include_usage"),
			RequestTimeout: durationValue("remote.request_timeout"),
			APIKeys: map[string]string{
				"openai": stringValue("remote.openai_api_key"),
				"google": stringValue("remote.google_api_key"),
			},
		},
		NotifyWebhook: stringValue("notify.webhook"),
		Concurrent:    boolValue("run.concurrent"),
	}
}

func stringValue(key string) string {
	value, _ := GetConfig(key)
	return strings.TrimSpace(value)
}

func durationValue(key string) time.Duration {
	if parsed, err := time.ParseDuration(stringValue(key)); err == nil && parsed >= 0 {
		return parsed
	}
	parsed, _ := time.ParseDuration(valueToString(builtinDefaults[key]))
	return parsed
}

func intValue(key string) int {
	if parsed, err := strconv.Atoi(stringValue(key)); err == nil {
		return parsed
	}
	fallback, _ := builtinDefaults[key].(int)
	return fallback
}

func boolValue(key string) bool {
	if parsed, err := strconv.ParseBool(stringValue(key)); err == nil {
		return parsed
	}
	fallback, _ := builtinDefaults[key].(bool)
	return fallback
}

func defaultConfigPath() string {
	if path, ok := os.LookupEnv(envPrefix + "_DEFAULT_CONFIG"); ok && path != "" {
		return path
	}

	var candidates []string
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		candidates = append(candidates,
			filepath.Join(exeDir, "config", "default.yaml"),
			filepath.Join(exeDir, "..", "config", "default.yaml"),
		)
	}

	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "promptmatrix", "default.yaml"))
	}

	for _, candidate := range candidates {
		if fileExists(candidate) {
			return candidate
		}
	}

	return ""
}

func globalConfigPath() string {
	if path, ok := os.LookupEnv(envPrefix + "_GLOBAL_CONFIG"); ok && path != "" {
		return path
	}

	configDir := ConfigDir()
	if configDir == "" {
		return ""
	}

	return filepath.Join(configDir, "config.yaml")
}

func projectConfigPath(projectDir string) string {
	if projectDir == "" {
		return ""
	}

	info, err := os.Stat(projectDir)
	if err != nil || !info.IsDir() {
		return ""
	}

	name := os.Getenv(envPrefix + "_PROJECT_CONFIG_NAME")
	if name == "" {
		name = ".promptmatrix.yaml"
	}

	return filepath.Join(projectDir, name)
}

// ConfigDir is the per-user directory for config and run state.
func ConfigDir() string {
	if path, ok := os.LookupEnv(envPrefix + "_CONFIG_DIR"); ok && path != "" {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".config", "promptmatrix")
}

func readConfigFile(v *viper.Viper, path string) error {
	if !fileExists(path) {
		return nil
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	return nil
}

func mergeConfigFile(v *viper.Viper, path string) error {
	if !fileExists(path) {
		return nil
	}

	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("merge config %s: %w", path, err)
	}

	return nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}

	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func credentialEnvFallbacks() map[string]string {
	return map[string]string{
		"remote.openai_api_key": "OPENAI_API_KEY",
		"remote.google_api_key": "GOOGLE_API_KEY",
	}
}

func isSecret(key string) bool {
	return strings.HasSuffix(key, "_api_key")
}

func valueToString(value interface{}) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case []string:
		return strings.Join(typed, ",")
	case []interface{}:
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(value)
	}
}

func flattenSettings(prefix string, value interface{}, out map[string]string) {
	if value == nil {
		return
	}

	switch typed := value.(type) {
	case map[string]interface{}:
		for key, item := range typed {
			nextKey := key
			if prefix != "" {
				nextKey = prefix + "." + key
			}
			flattenSettings(nextKey, item, out)
		}
	case map[interface{}]interface{}:
		for key, item := range typed {
			keyText := fmt.Sprint(key)
			nextKey := keyText
			if prefix != "" {
				nextKey = prefix + "." + keyText
			}
			flattenSettings(nextKey, item, out)
		}
	default:
		if prefix == "" {
			return
		}
		out[prefix] = valueToString(value)
	}
}
