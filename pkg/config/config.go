package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML may carry either a bare number of
// seconds or a Go duration string ("90s", "2h").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var secs int64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Workspace holds the host-side base directories per platform family
type Workspace struct {
	Windows string `yaml:"windows"`
	Unix    string `yaml:"unix"`
}

// Timeouts are the pipeline tunables
type Timeouts struct {
	SessionIdle  Duration `yaml:"session_idle"`  // platform idle timeout
	Pulse        Duration `yaml:"pulse"`         // keep-alive interval
	Command      Duration `yaml:"command"`       // per-command execute timeout
	ProgressPoll Duration `yaml:"progress_poll"` // run monitor cadence
	Stability    Duration `yaml:"stability"`     // sample spacing
	Primary      Duration `yaml:"primary"`       // primary stability window
	Secondary    Duration `yaml:"secondary"`     // secondary stability window
	Run          Duration `yaml:"run"`           // fallback max run duration
	Fetch        Duration `yaml:"fetch"`         // total fetch budget
	Upload       Duration `yaml:"upload"`        // total upload budget
}

// Retry is the backoff policy applied at the RTR facade and the uploader
type Retry struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseBackoff Duration `yaml:"base_backoff"`
	MaxBackoff  Duration `yaml:"max_backoff"`
	Factor      float64  `yaml:"factor"`
}

// Upload tunes the object-store transfer
type Upload struct {
	MultipartThreshold int64 `yaml:"multipart_threshold"` // bytes
	ChunkSize          int64 `yaml:"chunk_size"`          // bytes
	MaxConcurrency     int   `yaml:"max_concurrency"`
}

// Proxy optionally routes uploader traffic through a forward proxy
type Proxy struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
}

// HostEntry is appended to the target's local name-resolution file before
// upload, supporting split-horizon object-store endpoints.
type HostEntry struct {
	Hostname string `yaml:"hostname"`
	IP       string `yaml:"ip"`
}

// RTR configures the cloud API facade
type RTR struct {
	BaseURL      string   `yaml:"base_url"`
	MemberCID    string   `yaml:"member_cid"`
	RateLimit    float64  `yaml:"rate"` // requests per second
	RateBurst    int      `yaml:"burst"`
	HostCacheTTL Duration `yaml:"host_cache_ttl"`
}

// S3 configures the object store destination
type S3 struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"` // optional, non-AWS stores
	Prefix   string `yaml:"prefix"`
}

// Payloads are the local tool archives deployed to hosts
type Payloads struct {
	Kape string `yaml:"kape"` // path to kape.zip
	UAC  string `yaml:"uac"`  // path to uac.zip
}

// Kape carries Windows collection settings
type Kape struct {
	DefaultTarget  string              `yaml:"default_target"`
	TargetTimeouts map[string]Duration `yaml:"target_timeouts"`
}

// TargetTimeout returns the max run duration for a target, falling back to
// the "default" table entry.
func (k Kape) TargetTimeout(target string) time.Duration {
	if d, ok := k.TargetTimeouts[target]; ok {
		return d.Std()
	}
	if d, ok := k.TargetTimeouts["default"]; ok {
		return d.Std()
	}
	return 2 * time.Hour
}

// UAC carries Unix collection settings
type UAC struct {
	ProfileTimeouts map[string]Duration `yaml:"profile_timeouts"`
	DefaultProfile  string              `yaml:"default_profile"`
}

// ProfileTimeout returns the max run duration for a profile, falling back
// to the "default" table entry.
func (u UAC) ProfileTimeout(profile string) time.Duration {
	if d, ok := u.ProfileTimeouts[profile]; ok {
		return d.Std()
	}
	if d, ok := u.ProfileTimeouts["default"]; ok {
		return d.Std()
	}
	return 5 * time.Hour
}

// Metrics configures the optional metrics/health endpoint
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Config is the full configuration surface. Credentials are deliberately
// absent: the calling layer resolves and injects them.
type Config struct {
	Workspace     Workspace   `yaml:"workspace"`
	MaxConcurrent int         `yaml:"max_concurrent"`
	Timeouts      Timeouts    `yaml:"timeouts"`
	Retry         Retry       `yaml:"retry"`
	Upload        Upload      `yaml:"upload"`
	Proxy         Proxy       `yaml:"proxy"`
	HostEntries   []HostEntry `yaml:"host_entries"`
	RTR           RTR         `yaml:"rtr"`
	S3            S3          `yaml:"s3"`
	Payloads      Payloads    `yaml:"payloads"`
	Kape          Kape        `yaml:"kape"`
	UAC           UAC         `yaml:"uac"`
	Metrics       Metrics     `yaml:"metrics"`
}

// Default returns the built-in configuration. The timeout tables come from
// observed collection durations on real fleets.
func Default() *Config {
	return &Config{
		Workspace: Workspace{
			Windows: `C:\0x4n6nerd`,
			Unix:    "/opt/0x4n6nerd",
		},
		MaxConcurrent: 20,
		Timeouts: Timeouts{
			SessionIdle:  Duration(600 * time.Second),
			Pulse:        Duration(300 * time.Second),
			Command:      Duration(120 * time.Second),
			ProgressPoll: Duration(30 * time.Second),
			Stability:    Duration(15 * time.Second),
			Primary:      Duration(300 * time.Second),
			Secondary:    Duration(600 * time.Second),
			Run:          Duration(7200 * time.Second),
			Fetch:        Duration(18000 * time.Second),
			Upload:       Duration(1500 * time.Second),
		},
		Retry: Retry{
			MaxAttempts: 5,
			BaseBackoff: Duration(1 * time.Second),
			MaxBackoff:  Duration(30 * time.Second),
			Factor:      2.0,
		},
		Upload: Upload{
			MultipartThreshold: 100 * 1024 * 1024,
			ChunkSize:          10 * 1024 * 1024,
			MaxConcurrency:     5,
		},
		RTR: RTR{
			BaseURL:      "https://api.crowdstrike.com",
			RateLimit:    10,
			RateBurst:    20,
			HostCacheTTL: Duration(5 * time.Minute),
		},
		S3: S3{
			Region: "us-east-1",
		},
		Kape: Kape{
			DefaultTarget: "!SANS_Triage",
			TargetTimeouts: map[string]Duration{
				"!BasicCollection": Duration(1200 * time.Second),
				"!SANS_Triage":     Duration(1200 * time.Second),
				"KapeTriage":       Duration(1800 * time.Second),
				"RegistryHives":    Duration(300 * time.Second),
				"EventLogs":        Duration(300 * time.Second),
				"FileSystem":       Duration(600 * time.Second),
				"BrowsingHistory":  Duration(300 * time.Second),
				"MemoryFiles":      Duration(300 * time.Second),
				"WebBrowsers":      Duration(300 * time.Second),
				"WindowsDefender":  Duration(300 * time.Second),
				"default":          Duration(7200 * time.Second),
			},
		},
		UAC: UAC{
			DefaultProfile: "ir_triage",
			ProfileTimeouts: map[string]Duration{
				"ir_triage":              Duration(7200 * time.Second),
				"ir_triage_no_hash":      Duration(5400 * time.Second),
				"full":                   Duration(21600 * time.Second),
				"offline":                Duration(3600 * time.Second),
				"logs":                   Duration(3600 * time.Second),
				"memory_dump":            Duration(18000 * time.Second),
				"files":                  Duration(14400 * time.Second),
				"network":                Duration(1800 * time.Second),
				"quick_triage_optimized": Duration(3600 * time.Second),
				"network_compromise":     Duration(2700 * time.Second),
				"malware_hunt_fast":      Duration(4500 * time.Second),
				"default":                Duration(18000 * time.Second),
			},
		},
		Metrics: Metrics{
			Enabled: false,
			Addr:    ":9105",
		},
	}
}

// Load reads a YAML file over the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with
func (c *Config) Validate() error {
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive, got %d", c.MaxConcurrent)
	}
	if c.Workspace.Windows == "" || c.Workspace.Unix == "" {
		return fmt.Errorf("workspace paths must not be empty")
	}
	if c.Upload.MultipartThreshold <= 0 {
		return fmt.Errorf("upload.multipart_threshold must be positive")
	}
	if c.Upload.ChunkSize < 5*1024*1024 {
		return fmt.Errorf("upload.chunk_size must be at least 5 MiB")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}
	if c.Timeouts.Stability.Std() <= 0 {
		return fmt.Errorf("timeouts.stability must be positive")
	}
	if c.Proxy.Enabled && c.Proxy.Host == "" {
		return fmt.Errorf("proxy.host required when proxy.enabled")
	}
	return nil
}
