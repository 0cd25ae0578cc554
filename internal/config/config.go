package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pshima/kproxy/pkg/deviceid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DefaultMitmDomains is the allowlist used when none is configured.
var DefaultMitmDomains = []string{"amazonaws.com", "amazon.com"}

// Config holds all application configuration
type Config struct {
	Enabled      bool     `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Host         string   `json:"host" yaml:"host" mapstructure:"host"`
	Port         int      `json:"port" yaml:"port" mapstructure:"port"`
	MitmDomains  []string `json:"mitmDomains" yaml:"mitmDomains" mapstructure:"mitmDomains"`
	DeviceID     string   `json:"deviceId,omitempty" yaml:"deviceId,omitempty" mapstructure:"deviceId"`
	AutoStart    bool     `json:"autoStart" yaml:"autoStart" mapstructure:"autoStart"`
	LogRequests  bool     `json:"logRequests" yaml:"logRequests" mapstructure:"logRequests"`
	CAPath       string   `json:"caPath,omitempty" yaml:"caPath,omitempty" mapstructure:"caPath"`
	CAKeyPath    string   `json:"caKeyPath,omitempty" yaml:"caKeyPath,omitempty" mapstructure:"caKeyPath"`
	DataDir      string   `json:"dataDir" yaml:"dataDir" mapstructure:"dataDir"`
	ProductToken string   `json:"productToken" yaml:"productToken" mapstructure:"productToken"`
	LogFile      string   `json:"logFile,omitempty" yaml:"logFile,omitempty" mapstructure:"logFile"`
	Verbose      bool     `json:"verbose" yaml:"verbose" mapstructure:"verbose"`
	MetricsAddr  string   `json:"metricsAddr,omitempty" yaml:"metricsAddr,omitempty" mapstructure:"metricsAddr"`
}

// Update is a partial configuration. Nil fields are left untouched by Merge.
type Update struct {
	Enabled      *bool
	Host         *string
	Port         *int
	MitmDomains  []string
	DeviceID     *string
	AutoStart    *bool
	LogRequests  *bool
	CAPath       *string
	CAKeyPath    *string
	ProductToken *string
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"host":          "host",
	"port":          "port",
	"mitm-domains":  "mitmDomains",
	"device-id":     "deviceId",
	"auto-start":    "autoStart",
	"log-requests":  "logRequests",
	"ca-path":       "caPath",
	"ca-key-path":   "caKeyPath",
	"data-dir":      "dataDir",
	"product-token": "productToken",
	"log-file":      "logFile",
	"verbose":       "verbose",
	"metrics-addr":  "metricsAddr",
}

// RegisterFlags adds a flag for every key in flagKeys. Flag defaults mirror
// DefaultConfig and only explicitly set flags override the loaded values.
func RegisterFlags(fs *pflag.FlagSet) {
	d := DefaultConfig()
	fs.String("host", d.Host, "Listen host")
	fs.Int("port", d.Port, "Listen port")
	fs.StringSlice("mitm-domains", d.MitmDomains, "Hostname substrings to intercept")
	fs.String("device-id", d.DeviceID, "Device id written into intercepted requests (64 hex characters)")
	fs.Bool("auto-start", d.AutoStart, "Start the proxy on boot")
	fs.Bool("log-requests", d.LogRequests, "Log routing decisions and device id replacements")
	fs.String("ca-path", d.CAPath, "Root certificate path")
	fs.String("ca-key-path", d.CAKeyPath, "Root private key path")
	fs.String("data-dir", d.DataDir, "Directory holding the root certificate and key")
	fs.String("product-token", d.ProductToken, "Product token in the vendor user agent")
	fs.String("log-file", d.LogFile, "Optional log file")
	fs.BoolP("verbose", "v", d.Verbose, "Enable debug logging")
	fs.String("metrics-addr", d.MetricsAddr, "Address serving Prometheus metrics, disabled when empty")
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:      false,
		Host:         "127.0.0.1",
		Port:         8899,
		MitmDomains:  append([]string(nil), DefaultMitmDomains...),
		AutoStart:    false,
		LogRequests:  true,
		DataDir:      "kproxy-data",
		ProductToken: "KiroIDE",
	}
}

// Load reads configuration from an optional file, KPROXY_* environment
// variables and any flags that were explicitly set, in increasing priority.
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix("KPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			flag := flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("enabled", cfg.Enabled)
	v.SetDefault("host", cfg.Host)
	v.SetDefault("port", cfg.Port)
	v.SetDefault("mitmDomains", cfg.MitmDomains)
	v.SetDefault("deviceId", cfg.DeviceID)
	v.SetDefault("autoStart", cfg.AutoStart)
	v.SetDefault("logRequests", cfg.LogRequests)
	v.SetDefault("caPath", cfg.CAPath)
	v.SetDefault("caKeyPath", cfg.CAKeyPath)
	v.SetDefault("dataDir", cfg.DataDir)
	v.SetDefault("productToken", cfg.ProductToken)
	v.SetDefault("logFile", cfg.LogFile)
	v.SetDefault("verbose", cfg.Verbose)
	v.SetDefault("metricsAddr", cfg.MetricsAddr)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Port 0 asks the OS for any free port.
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port number: %d", c.Port)
	}

	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("host must not be empty")
	}

	for i, domain := range c.MitmDomains {
		if domain == "" {
			return fmt.Errorf("mitmDomains[%d] must not be empty", i)
		}
	}

	if c.DeviceID != "" {
		if err := deviceid.Validate(c.DeviceID); err != nil {
			return err
		}
	}

	if (c.CAPath == "") != (c.CAKeyPath == "") {
		return fmt.Errorf("caPath and caKeyPath must be set together")
	}

	if c.ProductToken == "" {
		return fmt.Errorf("productToken must not be empty")
	}

	return nil
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.MitmDomains = append([]string(nil), c.MitmDomains...)
	return &out
}

// Merge applies every non-nil field of u. It reports whether a field that
// is only read when the listener binds (host or port) changed.
func (c *Config) Merge(u Update) (restartRequired bool) {
	if u.Enabled != nil {
		c.Enabled = *u.Enabled
	}
	if u.Host != nil && *u.Host != c.Host {
		c.Host = *u.Host
		restartRequired = true
	}
	if u.Port != nil && *u.Port != c.Port {
		c.Port = *u.Port
		restartRequired = true
	}
	if u.MitmDomains != nil {
		c.MitmDomains = append([]string(nil), u.MitmDomains...)
	}
	if u.DeviceID != nil {
		c.DeviceID = *u.DeviceID
	}
	if u.AutoStart != nil {
		c.AutoStart = *u.AutoStart
	}
	if u.LogRequests != nil {
		c.LogRequests = *u.LogRequests
	}
	if u.CAPath != nil {
		c.CAPath = *u.CAPath
	}
	if u.CAKeyPath != nil {
		c.CAKeyPath = *u.CAKeyPath
	}
	if u.ProductToken != nil {
		c.ProductToken = *u.ProductToken
	}
	return restartRequired
}

// Save writes the configuration to a file, as YAML for .yaml/.yml paths
// and JSON otherwise.
func (c *Config) Save(filename string) error {
	var (
		data []byte
		err  error
	)

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
