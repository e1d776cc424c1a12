package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/b0bbywan/go-odio-portal/logger"
)

const (
	AppName    = "odio-portal"
	AppVersion = "0.1.0"

	defaultBusName = "org.freedesktop.impl.portal.desktop.odio"
)

// Transient grant scope policies. A transient grant either dies with the
// session that produced it, or lives until the daemon exits.
const (
	TransientScopeSession = "session"
	TransientScopeDaemon  = "daemon"
)

// Background portal default policies for apps without a stored decision.
const (
	PolicyAllow = "allow"
	PolicyDeny  = "deny"
	PolicyAsk   = "ask"
)

type Config struct {
	Portal      *PortalConfig
	Compositor  *CompositorConfig
	Pipewire    *PipewireConfig
	Permissions *PermissionsConfig
	Consent     *ConsentConfig
	Background  *BackgroundConfig
	LogLevel    logger.Level
}

type PortalConfig struct {
	BusName string
}

type CompositorConfig struct {
	// D-Bus service exposing the output layout.
	DisplayService string
	DisplayPath    string
	// D-Bus service exposing the toplevel window list. Optional; compositors
	// without it simply offer no window sources.
	IntrospectService string
	IntrospectPath    string
}

type PipewireConfig struct {
	SourceElement      string
	NegotiationTimeout time.Duration
}

type PermissionsConfig struct {
	DBPath         string
	TransientScope string
}

type ConsentConfig struct {
	Service string
	Path    string
	// Ceiling on the dialog service answering. Zero means none: a human may
	// take arbitrarily long.
	Timeout time.Duration
}

type BackgroundConfig struct {
	// DefaultPolicy applies to apps with no stored background decision:
	// allow, deny, or ask.
	DefaultPolicy string
}

// parseLogLevel converts a string to a logger.Level
func parseLogLevel(levelStr string) logger.Level {
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		return logger.DEBUG
	case "INFO":
		return logger.INFO
	case "WARN":
		return logger.WARN
	case "ERROR":
		return logger.ERROR
	case "FATAL":
		return logger.FATAL
	default:
		return logger.WARN // default
	}
}

// parsePackageLevels converts the loglevels map into per-component overrides.
func parsePackageLevels(levels map[string]string) map[string]logger.Level {
	parsed := make(map[string]logger.Level, len(levels))
	for pkg, lvl := range levels {
		parsed[pkg] = parseLogLevel(lvl)
	}
	return parsed
}

func defaultDBPath() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "/tmp"
		}
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, AppName, "permissions.db")
}

func New() (*Config, error) {
	viper.SetDefault("portal.bus_name", defaultBusName)

	viper.SetDefault("compositor.display_service", "com.system76.CosmicSettingsDaemon")
	viper.SetDefault("compositor.display_path", "/com/system76/CosmicSettingsDaemon/Display")
	viper.SetDefault("compositor.introspect_service", "")
	viper.SetDefault("compositor.introspect_path", "/")

	viper.SetDefault("pipewire.source_element", "pipewiresrc")
	viper.SetDefault("pipewire.negotiation_timeout", "10s")

	viper.SetDefault("permissions.db_path", defaultDBPath())
	viper.SetDefault("permissions.transient_scope", TransientScopeSession)

	viper.SetDefault("consent.service", defaultBusName+".Dialog")
	viper.SetDefault("consent.path", "/org/freedesktop/portal/desktop/dialog")
	viper.SetDefault("consent.timeout", "0")

	viper.SetDefault("background.default_policy", PolicyAsk)

	viper.SetDefault("LogLevel", "WARN")

	// Load from configuration file, environment variables, and CLI flags
	viper.SetConfigName("config")                       // name of config file (without extension)
	viper.SetConfigType("yaml")                         // config file format
	viper.AddConfigPath(filepath.Join("/etc", AppName)) // Global configuration path
	if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".config", AppName)) // User config path
	}

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional, continue with defaults if not found
		if _, isNotFound := err.(viper.ConfigFileNotFoundError); !isNotFound {
			logger.Warn("failed to read config: %v", err)
		}
	}

	return fromViper()
}

// fromViper builds a Config from the current viper state. Split from New so
// the watcher can rebuild a Config on file change without re-registering
// defaults.
func fromViper() (*Config, error) {
	busName := viper.GetString("portal.bus_name")
	if busName == "" {
		return nil, fmt.Errorf("portal.bus_name cannot be empty")
	}

	negotiationTimeout := viper.GetDuration("pipewire.negotiation_timeout")
	if negotiationTimeout <= 0 {
		negotiationTimeout = 10 * time.Second
	}

	transientScope := viper.GetString("permissions.transient_scope")
	switch transientScope {
	case TransientScopeSession, TransientScopeDaemon:
	default:
		return nil, fmt.Errorf("invalid permissions.transient_scope: %q", transientScope)
	}

	portalCfg := PortalConfig{
		BusName: busName,
	}

	compositorCfg := CompositorConfig{
		DisplayService:    viper.GetString("compositor.display_service"),
		DisplayPath:       viper.GetString("compositor.display_path"),
		IntrospectService: viper.GetString("compositor.introspect_service"),
		IntrospectPath:    viper.GetString("compositor.introspect_path"),
	}

	pipewireCfg := PipewireConfig{
		SourceElement:      viper.GetString("pipewire.source_element"),
		NegotiationTimeout: negotiationTimeout,
	}

	permissionsCfg := PermissionsConfig{
		DBPath:         viper.GetString("permissions.db_path"),
		TransientScope: transientScope,
	}

	consentCfg := ConsentConfig{
		Service: viper.GetString("consent.service"),
		Path:    viper.GetString("consent.path"),
		Timeout: viper.GetDuration("consent.timeout"),
	}

	backgroundPolicy := viper.GetString("background.default_policy")
	switch backgroundPolicy {
	case PolicyAllow, PolicyDeny, PolicyAsk:
	default:
		return nil, fmt.Errorf("invalid background.default_policy: %q", backgroundPolicy)
	}
	backgroundCfg := BackgroundConfig{
		DefaultPolicy: backgroundPolicy,
	}

	logger.SetPackageLevels(parsePackageLevels(viper.GetStringMapString("loglevels")))

	cfg := Config{
		Portal:      &portalCfg,
		Compositor:  &compositorCfg,
		Pipewire:    &pipewireCfg,
		Permissions: &permissionsCfg,
		Consent:     &consentCfg,
		Background:  &backgroundCfg,
		LogLevel:    parseLogLevel(viper.GetString("LogLevel")),
	}

	return &cfg, nil
}
