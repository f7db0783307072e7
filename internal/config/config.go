package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr        string
	DatabaseURL       string
	JWTSecret         string
	DefaultRegion     string
	SupportedRegions  []string
	DesktopProvider   string
	AWSAMIMap         map[string]string
	AWSInstanceType   string
	AWSSubnetID       string
	AWSSecurityIDs    []string
	AWSKeyName        string
	DisplayPort       int
	MaxSessionSeconds int
	DisplayClient     string
	ViewerConfigPath  string
	Viewer            ViewerConfig

	// ProvisioningTimeout bounds how long a session may sit in provisioning
	// before the jobs worker stops it.
	ProvisioningTimeout  time.Duration
	ViewerEventRetention time.Duration
}

// ViewerConfig holds the tunables shared by every viewer. Env values may be
// overlaid by the YAML file named in SMARTPC_VIEWER_CONFIG; keys missing from
// the file keep their env value.
type ViewerConfig struct {
	StatsInterval  time.Duration `yaml:"stats_interval"`
	FrameInterval  time.Duration `yaml:"frame_interval"`
	SettleDelay    time.Duration `yaml:"settle_delay"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	HistorySize    int           `yaml:"history_size"`
	ShortcutRate   float64       `yaml:"shortcut_rate"`
	ShortcutBurst  int           `yaml:"shortcut_burst"`
	UseGateway     bool          `yaml:"use_gateway"`
	Codec          string        `yaml:"codec"`
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		ListenAddr:        envOrDefault("SMARTPC_LISTEN_ADDR", ":8080"),
		DatabaseURL:       os.Getenv("SMARTPC_DATABASE_URL"),
		JWTSecret:         os.Getenv("SMARTPC_JWT_SECRET"),
		DefaultRegion:     envOrDefault("SMARTPC_DEFAULT_REGION", "us-east-1"),
		SupportedRegions:  splitCSV(envOrDefault("SMARTPC_SUPPORTED_REGIONS", "us-east-1,eu-west-1")),
		DesktopProvider:   envOrDefault("SMARTPC_DESKTOP_PROVIDER", "fake"),
		AWSAMIMap:         parseKVMap(os.Getenv("SMARTPC_AWS_AMI_MAP")),
		AWSInstanceType:   envOrDefault("SMARTPC_AWS_INSTANCE_TYPE", "g4dn.xlarge"),
		AWSSubnetID:       os.Getenv("SMARTPC_AWS_SUBNET_ID"),
		AWSSecurityIDs:    splitCSV(os.Getenv("SMARTPC_AWS_SECURITY_GROUP_IDS")),
		AWSKeyName:        os.Getenv("SMARTPC_AWS_KEY_NAME"),
		DisplayPort:       ParsePositiveIntEnv("SMARTPC_DISPLAY_PORT", 8443),
		MaxSessionSeconds: ParsePositiveIntEnv("SMARTPC_MAX_SESSION_SECONDS", 4*60*60),
		DisplayClient:     envOrDefault("SMARTPC_DISPLAY_CLIENT", "fake"),
		ViewerConfigPath:  os.Getenv("SMARTPC_VIEWER_CONFIG"),
		Viewer: ViewerConfig{
			StatsInterval:  parseDurationEnv("SMARTPC_VIEWER_STATS_INTERVAL", 2*time.Second),
			FrameInterval:  parseDurationEnv("SMARTPC_VIEWER_FRAME_INTERVAL", 16*time.Millisecond),
			SettleDelay:    parseDurationEnv("SMARTPC_VIEWER_SETTLE_DELAY", 300*time.Millisecond),
			ConnectTimeout: parseDurationEnv("SMARTPC_VIEWER_CONNECT_TIMEOUT", 30*time.Second),
			CallTimeout:    parseDurationEnv("SMARTPC_VIEWER_CALL_TIMEOUT", 10*time.Second),
			HistorySize:    ParsePositiveIntEnv("SMARTPC_VIEWER_HISTORY_SIZE", 50),
			ShortcutRate:   parsePositiveFloatEnv("SMARTPC_VIEWER_SHORTCUT_RATE", 5),
			ShortcutBurst:  ParsePositiveIntEnv("SMARTPC_VIEWER_SHORTCUT_BURST", 5),
			UseGateway:     parseBoolEnv("SMARTPC_VIEWER_USE_GATEWAY", true),
			Codec:          envOrDefault("SMARTPC_VIEWER_CODEC", "h264"),
		},
		ProvisioningTimeout:  parseDurationEnv("SMARTPC_PROVISIONING_TIMEOUT", 15*time.Minute),
		ViewerEventRetention: parseDurationEnv("SMARTPC_VIEWER_EVENT_RETENTION", 30*24*time.Hour),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("SMARTPC_DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("SMARTPC_JWT_SECRET is required")
	}
	if cfg.DesktopProvider != "fake" && cfg.DesktopProvider != "aws" {
		return Config{}, fmt.Errorf("SMARTPC_DESKTOP_PROVIDER must be one of fake|aws")
	}
	if cfg.DesktopProvider == "aws" && len(cfg.AWSAMIMap) == 0 {
		return Config{}, fmt.Errorf("SMARTPC_AWS_AMI_MAP is required for aws desktop provider")
	}
	if cfg.DisplayClient != "fake" && cfg.DisplayClient != "gateway" {
		return Config{}, fmt.Errorf("SMARTPC_DISPLAY_CLIENT must be one of fake|gateway")
	}
	if cfg.ViewerConfigPath != "" {
		v, err := LoadViewerOverlay(cfg.ViewerConfigPath, cfg.Viewer)
		if err != nil {
			return Config{}, err
		}
		cfg.Viewer = v
	}
	return cfg, nil
}

// LoadViewerOverlay reads a YAML file on top of base.
func LoadViewerOverlay(path string, base ViewerConfig) (ViewerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ViewerConfig{}, fmt.Errorf("read viewer config: %w", err)
	}
	out := base
	if err := yaml.Unmarshal(data, &out); err != nil {
		return ViewerConfig{}, fmt.Errorf("parse viewer config %s: %w", path, err)
	}
	if err := out.validate(); err != nil {
		return ViewerConfig{}, fmt.Errorf("viewer config %s: %w", path, err)
	}
	return out, nil
}

func (v ViewerConfig) validate() error {
	switch {
	case v.StatsInterval <= 0:
		return fmt.Errorf("stats_interval must be positive")
	case v.FrameInterval <= 0:
		return fmt.Errorf("frame_interval must be positive")
	case v.SettleDelay < v.FrameInterval:
		return fmt.Errorf("settle_delay must not be shorter than frame_interval")
	case v.HistorySize <= 0:
		return fmt.Errorf("history_size must be positive")
	case v.ShortcutRate <= 0 || v.ShortcutBurst <= 0:
		return fmt.Errorf("shortcut_rate and shortcut_burst must be positive")
	}
	return nil
}

func envOrDefault(k, v string) string {
	if raw := os.Getenv(k); raw != "" {
		return raw
	}
	return v
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func ParsePositiveIntEnv(k string, d int) int {
	n, err := strconv.Atoi(os.Getenv(k))
	if err != nil || n <= 0 {
		return d
	}
	return n
}

func parsePositiveFloatEnv(k string, d float64) float64 {
	f, err := strconv.ParseFloat(os.Getenv(k), 64)
	if err != nil || f <= 0 {
		return d
	}
	return f
}

func parseDurationEnv(k string, d time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(k))
	if err != nil || v <= 0 {
		return d
	}
	return v
}

func parseBoolEnv(k string, d bool) bool {
	b, err := strconv.ParseBool(os.Getenv(k))
	if err != nil {
		return d
	}
	return b
}

// parseKVMap parses "us-east-1=ami-1,eu-west-1=ami-2". Malformed pairs are
// skipped.
func parseKVMap(v string) map[string]string {
	out := make(map[string]string)
	for _, p := range splitCSV(v) {
		k, val, ok := strings.Cut(p, "=")
		k, val = strings.TrimSpace(k), strings.TrimSpace(val)
		if ok && k != "" && val != "" {
			out[k] = val
		}
	}
	return out
}
