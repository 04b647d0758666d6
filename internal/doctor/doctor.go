// Package doctor runs offline diagnostics against a missionctl home.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/basket/mission-control/internal/config"
	"github.com/basket/mission-control/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	return slices.ContainsFunc(d.Results, func(r CheckResult) bool { return r.Status == "FAIL" })
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAuth,
		checkRiskLimits,
		checkDatabase,
		checkPermissions,
		checkBindAddr,
		checkTelemetry,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "Configuration missing (run the daemon once to generate it)"}
	}
	if err := cfg.Validate(); err != nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: err.Error()}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: cfg.Fingerprint()}
}

func checkAuth(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Auth", Status: "SKIP", Message: "Config missing"}
	}
	if len(cfg.AuthTokens) == 0 {
		return CheckResult{
			Name:    "Auth",
			Status:  "FAIL",
			Message: "No auth_tokens configured",
			Detail:  "Every /api route will be refused; add a token or set MISSIONCTL_API_TOKEN",
		}
	}
	principals := make(map[string]bool, len(cfg.AuthTokens))
	for _, p := range cfg.AuthTokens {
		principals[p] = true
	}
	var orphaned []string
	for _, p := range cfg.Risk.AuthorizedResetters {
		if !principals[p] {
			orphaned = append(orphaned, p)
		}
	}
	if len(cfg.Risk.AuthorizedResetters) == 0 {
		return CheckResult{Name: "Auth", Status: "WARN", Message: "No authorized_resetters; an emergency stop can never be cleared over HTTP"}
	}
	if len(orphaned) > 0 {
		return CheckResult{
			Name:    "Auth",
			Status:  "WARN",
			Message: fmt.Sprintf("%d authorized resetter(s) have no token", len(orphaned)),
			Detail:  strings.Join(orphaned, ", "),
		}
	}
	return CheckResult{Name: "Auth", Status: "PASS", Message: fmt.Sprintf("%d token(s), %d resetter(s)", len(cfg.AuthTokens), len(cfg.Risk.AuthorizedResetters))}
}

func checkRiskLimits(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Risk Limits", Status: "SKIP", Message: "Config missing"}
	}
	l := cfg.Risk.Limits
	if err := l.Validate(); err != nil {
		return CheckResult{Name: "Risk Limits", Status: "FAIL", Message: err.Error()}
	}
	return CheckResult{
		Name:    "Risk Limits",
		Status:  "PASS",
		Message: "Limits valid",
		Detail: fmt.Sprintf("position=%s exposure=%s daily=%s weekly=%s peak=%s",
			l.MaxPositionSize, l.MaxTotalExposure, l.MaxDailyDrawdown, l.MaxWeeklyDrawdown, l.MaxDrawdownFromPeak),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: err.Error()}
	}
	snap, ok, err := store.LoadRiskSnapshot(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	if !ok {
		return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid", Detail: "no risk snapshot yet"}
	}
	detail := fmt.Sprintf("snapshot %s, level %s", snap.TakenAt.Format(time.RFC3339), snap.Level)
	if snap.Emergency.Active {
		return CheckResult{Name: "Database", Status: "WARN", Message: "Persisted emergency stop is active", Detail: detail + ", reason: " + snap.Emergency.Reason}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid", Detail: detail}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	// config.yaml holds API tokens.
	if info, err := os.Stat(config.ConfigPath(cfg.HomeDir)); err == nil && info.Mode().Perm()&0o077 != 0 {
		return CheckResult{
			Name:    "Permissions",
			Status:  "WARN",
			Message: fmt.Sprintf("config.yaml is readable by others (%o)", info.Mode().Perm()),
			Detail:  "chmod 600 " + config.ConfigPath(cfg.HomeDir),
		}
	}
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkBindAddr(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Bind Address", Status: "SKIP", Message: "Config missing"}
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return CheckResult{Name: "Bind Address", Status: "WARN", Message: cfg.BindAddr + " in use (daemon already running?)"}
		}
		return CheckResult{Name: "Bind Address", Status: "FAIL", Message: err.Error()}
	}
	_ = ln.Close()
	return CheckResult{Name: "Bind Address", Status: "PASS", Message: cfg.BindAddr + " available"}
}

func checkTelemetry(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Telemetry", Status: "SKIP", Message: "Config missing"}
	}
	if !cfg.OTel.Enabled {
		return CheckResult{Name: "Telemetry", Status: "SKIP", Message: "OpenTelemetry disabled"}
	}
	if cfg.OTel.Exporter != "otlp-http" {
		return CheckResult{Name: "Telemetry", Status: "PASS", Message: fmt.Sprintf("Exporter %q needs no network", cfg.OTel.Exporter)}
	}

	host := endpointHost(cfg.OTel.Endpoint)
	if host == "" {
		return CheckResult{Name: "Telemetry", Status: "FAIL", Message: "otlp-http exporter without endpoint"}
	}
	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Telemetry",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Telemetry",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("addresses=%v", addrs),
	}
}

// endpointHost extracts the host from "host:port" or a URL.
func endpointHost(endpoint string) string {
	e := strings.TrimSpace(endpoint)
	if i := strings.Index(e, "://"); i >= 0 {
		e = e[i+3:]
	}
	if i := strings.IndexByte(e, '/'); i >= 0 {
		e = e[:i]
	}
	if host, _, err := net.SplitHostPort(e); err == nil {
		return host
	}
	return e
}
