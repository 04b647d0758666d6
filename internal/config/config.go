package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/basket/mission-control/internal/bus"
	"github.com/basket/mission-control/internal/cron"
	"github.com/basket/mission-control/internal/otel"
	"github.com/basket/mission-control/internal/risk"
)

var ErrInvalid = errors.New("invalid config")

type BusConfig struct {
	MaxAttempts         int `yaml:"max_attempts"`
	AckTimeoutSeconds   int `yaml:"ack_timeout_seconds"`
	SweepIntervalMillis int `yaml:"sweep_interval_ms"`
	HoldIntervalMillis  int `yaml:"hold_interval_ms"`
	MaxHolds            int `yaml:"max_holds"`
	MaxQueueDepth       int `yaml:"max_queue_depth"`
	MaxDeadLetters      int `yaml:"max_dead_letters"`
}

// Config converts the file settings into a bus.Config. Runtime
// dependencies (clock, logger, metrics, feed) are left to the caller.
func (b BusConfig) Config() bus.Config {
	return bus.Config{
		MaxAttempts:    b.MaxAttempts,
		AckTimeout:     time.Duration(b.AckTimeoutSeconds) * time.Second,
		SweepInterval:  time.Duration(b.SweepIntervalMillis) * time.Millisecond,
		HoldInterval:   time.Duration(b.HoldIntervalMillis) * time.Millisecond,
		MaxHolds:       b.MaxHolds,
		MaxQueueDepth:  b.MaxQueueDepth,
		MaxDeadLetters: b.MaxDeadLetters,
	}
}

type RiskConfig struct {
	Limits              risk.Limits     `yaml:"limits"`
	StartingBalance     decimal.Decimal `yaml:"starting_balance"`
	DefaultStopLoss     decimal.Decimal `yaml:"default_stop_loss"`
	AuthorizedResetters []string        `yaml:"authorized_resetters"`
	DailyResetCron      string          `yaml:"daily_reset_cron"`
	WeeklyResetCron     string          `yaml:"weekly_reset_cron"`
	SnapshotCron        string          `yaml:"snapshot_cron"`
}

type SupervisorConfig struct {
	CheckIntervalSeconds int      `yaml:"check_interval_seconds"`
	StaleAfterSeconds    int      `yaml:"stale_after_seconds"`
	Monitored            []string `yaml:"monitored"`
	DailyReportCron      string   `yaml:"daily_report_cron"`
}

// RemoteAgent is an agent that runs outside the daemon and talks to the
// bus through the gateway. Only Principal may drive it.
type RemoteAgent struct {
	ID        string   `yaml:"id"`
	Principal string   `yaml:"principal"`
	Accepts   []string `yaml:"accepts"`
}

type AgentsConfig struct {
	PollIntervalMillis       int           `yaml:"poll_interval_ms"`
	HeartbeatIntervalSeconds int           `yaml:"heartbeat_interval_seconds"`
	Remote                   []RemoteAgent `yaml:"remote"`
}

type PaperConfig struct {
	Enabled   bool                       `yaml:"enabled"`
	FillRatio decimal.Decimal            `yaml:"fill_ratio"`
	Marks     map[string]decimal.Decimal `yaml:"marks"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr     string            `yaml:"bind_addr"`
	LogLevel     string            `yaml:"log_level"`
	DBPath       string            `yaml:"db_path"`
	AuthTokens   map[string]string `yaml:"auth_tokens"` // token -> principal
	AllowOrigins []string          `yaml:"allow_origins"`

	// Requests per second per principal on the gateway; 0 disables limiting.
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`

	Bus        BusConfig        `yaml:"bus"`
	Risk       RiskConfig       `yaml:"risk"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Agents     AgentsConfig     `yaml:"agents"`
	Paper      PaperConfig      `yaml:"paper"`
	OTel       otel.Config      `yaml:"otel"`

	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// Retention policy (days). 0 = keep forever.
	RetentionRecordsDays  int    `yaml:"retention_records_days"`
	RetentionAuditLogDays int    `yaml:"retention_audit_log_days"`
	RetentionCron         string `yaml:"retention_cron"`

	NeedsGenesis bool `yaml:"-"`
}

func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that change behavior.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	l := c.Risk.Limits
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|origins=%v|bus=%+v|limits=%s,%s,%s,%s,%s,%s|balance=%s|crons=%s,%s,%s,%s|remote=%v|paper=%t",
		c.BindAddr, c.LogLevel, c.DBPath, c.AllowOrigins, c.Bus,
		l.MaxPositionSize, l.MaxTotalExposure, l.MaxDailyDrawdown, l.MaxWeeklyDrawdown, l.MaxDrawdownFromPeak, l.MinPositionSize,
		c.Risk.StartingBalance, c.Risk.DailyResetCron, c.Risk.WeeklyResetCron, c.Supervisor.DailyReportCron, c.RetentionCron,
		c.Agents.Remote, c.Paper.Enabled)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:       "127.0.0.1:18790",
		LogLevel:       "info",
		RateLimitRPS:   20,
		RateLimitBurst: 40,
		Bus: BusConfig{
			MaxAttempts:         3,
			AckTimeoutSeconds:   30,
			SweepIntervalMillis: 1000,
			HoldIntervalMillis:  2000,
			MaxHolds:            30,
			MaxQueueDepth:       1000,
			MaxDeadLetters:      1000,
		},
		Risk: RiskConfig{
			Limits:          risk.DefaultLimits(),
			StartingBalance: decimal.NewFromInt(100000),
			DefaultStopLoss: decimal.RequireFromString("0.02"),
			DailyResetCron:  "0 0 * * *",
			WeeklyResetCron: "0 0 * * 1",
			SnapshotCron:    "*/5 * * * *",
		},
		Supervisor: SupervisorConfig{
			CheckIntervalSeconds: 30,
			StaleAfterSeconds:    600,
			DailyReportCron:      "0 18 * * *",
		},
		Agents: AgentsConfig{
			PollIntervalMillis:       500,
			HeartbeatIntervalSeconds: 30,
		},
		Paper: PaperConfig{
			Enabled:   true,
			FillRatio: decimal.NewFromInt(1),
		},
		DrainTimeoutSeconds:   5,
		RetentionRecordsDays:  90,
		RetentionAuditLogDays: 365,
		RetentionCron:         "30 3 * * *",
	}
}

func HomeDir() string {
	if override := os.Getenv("MISSIONCTL_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".missionctl")
}

// Load reads config.yaml from HomeDir, applies MISSIONCTL_* overrides and
// validates the result.
func Load() (Config, error) {
	home := HomeDir()
	if err := os.MkdirAll(home, 0o755); err != nil {
		return defaultConfig(), fmt.Errorf("create missionctl home: %w", err)
	}
	return LoadFile(home)
}

// LoadFile loads the config rooted at homeDir without creating it.
func LoadFile(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	data, err := os.ReadFile(ConfigPath(homeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "missionctl.db")
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	for i, r := range cfg.Agents.Remote {
		cfg.Agents.Remote[i].ID = strings.ToUpper(strings.TrimSpace(r.ID))
		cfg.Agents.Remote[i].Principal = strings.TrimSpace(r.Principal)
	}
	for i, m := range cfg.Supervisor.Monitored {
		cfg.Supervisor.Monitored[i] = strings.ToUpper(strings.TrimSpace(m))
	}
	cfg.Paper.Marks = upperKeys(cfg.Paper.Marks)
	cfg.Risk.Limits.AssetConcentration = upperKeys(cfg.Risk.Limits.AssetConcentration)
}

func upperKeys(m map[string]decimal.Decimal) map[string]decimal.Decimal {
	if m == nil {
		return nil
	}
	out := make(map[string]decimal.Decimal, len(m))
	for k, v := range m {
		out[strings.ToUpper(strings.TrimSpace(k))] = v
	}
	return out
}

// Validate checks limits, schedules and remote agent declarations.
func (c Config) Validate() error {
	var errs []error
	if err := c.Risk.Limits.Validate(); err != nil {
		errs = append(errs, err)
	}
	if !c.Risk.StartingBalance.IsPositive() {
		errs = append(errs, fmt.Errorf("risk.starting_balance must be positive"))
	}
	if c.Risk.DefaultStopLoss.IsNegative() || c.Risk.DefaultStopLoss.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Errorf("risk.default_stop_loss must be within [0, 1]"))
	}
	for name, spec := range map[string]string{
		"risk.daily_reset_cron":        c.Risk.DailyResetCron,
		"risk.weekly_reset_cron":       c.Risk.WeeklyResetCron,
		"risk.snapshot_cron":           c.Risk.SnapshotCron,
		"supervisor.daily_report_cron": c.Supervisor.DailyReportCron,
		"retention_cron":               c.RetentionCron,
	} {
		if spec == "" {
			continue
		}
		if err := cron.ValidSpec(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s %q: %w", name, spec, err))
		}
	}
	if err := c.OTel.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("otel: %w", err))
	}
	if c.Paper.FillRatio.IsNegative() || c.Paper.FillRatio.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Errorf("paper.fill_ratio must be within [0, 1]"))
	}
	seen := make(map[string]bool)
	for _, r := range c.Agents.Remote {
		switch {
		case r.ID == "" || r.ID == string(bus.Broadcast):
			errs = append(errs, fmt.Errorf("agents.remote: invalid agent id %q", r.ID))
			continue
		case seen[r.ID]:
			errs = append(errs, fmt.Errorf("agents.remote: duplicate agent id %q", r.ID))
		case isLocalAgent(bus.AgentID(r.ID)):
			errs = append(errs, fmt.Errorf("agents.remote: %s runs inside the daemon", r.ID))
		}
		seen[r.ID] = true
		if r.Principal == "" {
			errs = append(errs, fmt.Errorf("agents.remote: %s has no principal", r.ID))
		} else if !slices.Contains(slices.Collect(maps.Values(c.AuthTokens)), r.Principal) {
			errs = append(errs, fmt.Errorf("agents.remote: %s principal %q has no auth token", r.ID, r.Principal))
		}
		if len(r.Accepts) == 0 {
			errs = append(errs, fmt.Errorf("agents.remote: %s accepts no task types", r.ID))
		}
		for _, tt := range r.Accepts {
			if _, err := bus.ParseTaskType(tt); err != nil {
				errs = append(errs, fmt.Errorf("agents.remote: %s: %w", r.ID, err))
			}
		}
	}
	for token, principal := range c.AuthTokens {
		if strings.TrimSpace(token) == "" || strings.TrimSpace(principal) == "" {
			errs = append(errs, fmt.Errorf("auth_tokens: empty token or principal"))
			break
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func isLocalAgent(id bus.AgentID) bool {
	return slices.Contains([]bus.AgentID{bus.CEO, bus.RiskManager, bus.Trader}, id)
}

// TaskTypes returns the parsed task types of a remote agent entry.
func (r RemoteAgent) TaskTypes() []bus.TaskType {
	out := make([]bus.TaskType, 0, len(r.Accepts))
	for _, s := range r.Accepts {
		if tt, err := bus.ParseTaskType(s); err == nil {
			out = append(out, tt)
		}
	}
	return out
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("MISSIONCTL_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("MISSIONCTL_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("MISSIONCTL_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("MISSIONCTL_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("MISSIONCTL_MAX_ATTEMPTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Bus.MaxAttempts = v
		}
	}
	if raw := os.Getenv("MISSIONCTL_STARTING_BALANCE"); raw != "" {
		if v, err := decimal.NewFromString(raw); err == nil {
			cfg.Risk.StartingBalance = v
		}
	}
	if raw := os.Getenv("MISSIONCTL_API_TOKEN"); raw != "" {
		if cfg.AuthTokens == nil {
			cfg.AuthTokens = make(map[string]string)
		}
		principal := os.Getenv("MISSIONCTL_API_PRINCIPAL")
		if principal == "" {
			principal = "operator"
		}
		cfg.AuthTokens[raw] = principal
	}
	if raw := os.Getenv("MISSIONCTL_OTEL_ENDPOINT"); raw != "" {
		cfg.OTel.Enabled = true
		cfg.OTel.Exporter = "otlp-http"
		cfg.OTel.Endpoint = raw
	}
}
