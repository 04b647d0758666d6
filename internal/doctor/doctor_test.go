package doctor

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/basket/mission-control/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	cfg, _, err := config.WriteGenesis(home)
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}
	cfg.BindAddr = "127.0.0.1:0"
	return &cfg
}

func TestRun_FreshGenesisPasses(t *testing.T) {
	cfg := testConfig(t)
	d := Run(context.Background(), cfg, "test")
	if d.Failed() {
		t.Fatalf("fresh config failed: %+v", d.Results)
	}
	if len(d.Results) != 7 {
		t.Fatalf("results = %d, want 7", len(d.Results))
	}
	if d.System.Version != "test" {
		t.Fatalf("version = %q", d.System.Version)
	}
}

func TestCheckConfig(t *testing.T) {
	if r := checkConfig(context.Background(), nil); r.Status != "FAIL" {
		t.Fatalf("nil config: %s", r.Status)
	}
	if r := checkConfig(context.Background(), &config.Config{NeedsGenesis: true}); r.Status != "WARN" {
		t.Fatalf("genesis config: %s", r.Status)
	}
}

func TestCheckAuth(t *testing.T) {
	cfg := testConfig(t)
	if r := checkAuth(context.Background(), cfg); r.Status != "PASS" {
		t.Fatalf("genesis auth: %+v", r)
	}

	cfg.Risk.AuthorizedResetters = append(cfg.Risk.AuthorizedResetters, "risk-officer")
	if r := checkAuth(context.Background(), cfg); r.Status != "WARN" || r.Detail != "risk-officer" {
		t.Fatalf("orphaned resetter: %+v", r)
	}

	cfg.AuthTokens = nil
	if r := checkAuth(context.Background(), cfg); r.Status != "FAIL" {
		t.Fatalf("no tokens: %+v", r)
	}
}

func TestCheckRiskLimits_Invalid(t *testing.T) {
	cfg := testConfig(t)
	cfg.Risk.Limits.MinPositionSize = decimal.RequireFromString("0.5")
	if r := checkRiskLimits(context.Background(), cfg); r.Status != "FAIL" {
		t.Fatalf("min above max: %+v", r)
	}
}

func TestCheckPermissions_LooseConfigMode(t *testing.T) {
	cfg := testConfig(t)
	if err := os.Chmod(filepath.Join(cfg.HomeDir, "config.yaml"), 0o644); err != nil {
		t.Fatal(err)
	}
	if r := checkPermissions(context.Background(), cfg); r.Status != "WARN" {
		t.Fatalf("loose mode: %+v", r)
	}
}

func TestCheckBindAddr_InUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cfg := testConfig(t)
	cfg.BindAddr = ln.Addr().String()
	if r := checkBindAddr(context.Background(), cfg); r.Status != "WARN" {
		t.Fatalf("port in use: %+v", r)
	}
}

func TestCheckTelemetry(t *testing.T) {
	cfg := testConfig(t)
	if r := checkTelemetry(context.Background(), cfg); r.Status != "SKIP" {
		t.Fatalf("disabled: %+v", r)
	}
	cfg.OTel.Enabled = true
	cfg.OTel.Exporter = "stdout"
	if r := checkTelemetry(context.Background(), cfg); r.Status != "PASS" {
		t.Fatalf("stdout exporter: %+v", r)
	}
	cfg.OTel.Exporter = "otlp-http"
	cfg.OTel.Endpoint = ""
	if r := checkTelemetry(context.Background(), cfg); r.Status != "FAIL" {
		t.Fatalf("missing endpoint: %+v", r)
	}
}

func TestEndpointHost(t *testing.T) {
	tests := map[string]string{
		"collector:4318":           "collector",
		"http://collector:4318/v1": "collector",
		"https://otel.example.com": "otel.example.com",
		"localhost":                "localhost",
		"":                         "",
	}
	for in, want := range tests {
		if got := endpointHost(in); got != want {
			t.Errorf("endpointHost(%q) = %q, want %q", in, got, want)
		}
	}
}
