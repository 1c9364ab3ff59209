// Package doctor runs offline diagnostics: config, database, permissions,
// sweep schedules, and reachability of the running server and the upstream
// gateway. It works without a running server so it can explain why one
// will not start.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/taskdeck/internal/config"
	"github.com/basket/taskdeck/internal/cron"
	"github.com/basket/taskdeck/internal/store"
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
		checkDatabase,
		checkPermissions,
		checkSchedules,
		checkServer,
		checkUpstream,
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
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: "No config.yaml yet",
			Detail:  "First `taskdeck serve` writes one with defaults",
		}
	}
	if cfg.AuthToken == "" {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: fmt.Sprintf("Loaded from %s, auth_token unset", cfg.HomeDir),
			Detail:  "Mutating API calls are rejected until serve generates a token",
		}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer st.Close()

	workspace := cfg.DefaultWorkspace
	if workspace == "" {
		workspace = "default"
	}
	counts, err := st.CountsByStatus(ctx, workspace)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("path=%s, tasks=%d", cfg.DBPath(), total),
	}
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

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

// checkSchedules parses the two sweep schedules the way the scheduler will,
// so a bad expression surfaces here instead of at serve startup.
func checkSchedules(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Schedules", Status: "SKIP", Message: "Config missing"}
	}

	now := time.Now()
	var details []string

	if cfg.Reminders.Enabled {
		next, err := cron.NextRunTime(cfg.Reminders.Schedule, now)
		if err != nil {
			return CheckResult{
				Name:    "Schedules",
				Status:  "FAIL",
				Message: fmt.Sprintf("reminders.schedule invalid: %v", err),
			}
		}
		details = append(details, fmt.Sprintf("reminders next %s", next.Format(time.RFC3339)))
	} else {
		details = append(details, "reminders disabled")
	}

	if cfg.Retention.ActivityDays > 0 || cfg.Retention.AuditLogDays > 0 {
		next, err := cron.NextRunTime(cfg.Retention.Schedule, now)
		if err != nil {
			return CheckResult{
				Name:    "Schedules",
				Status:  "FAIL",
				Message: fmt.Sprintf("retention.schedule invalid: %v", err),
			}
		}
		details = append(details, fmt.Sprintf("retention next %s", next.Format(time.RFC3339)))
	} else {
		details = append(details, "retention disabled")
	}

	return CheckResult{
		Name:    "Schedules",
		Status:  "PASS",
		Message: "Sweep schedules parse",
		Detail:  strings.Join(details, ", "),
	}
}

func checkServer(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || strings.TrimSpace(cfg.BindAddr) == "" {
		return CheckResult{Name: "Server", Status: "SKIP", Message: "Config missing"}
	}

	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, "http://"+cfg.BindAddr+"/healthz", nil)
	if err != nil {
		return CheckResult{Name: "Server", Status: "FAIL", Message: fmt.Sprintf("request: %v", err)}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return CheckResult{
			Name:    "Server",
			Status:  "WARN",
			Message: fmt.Sprintf("Not reachable at %s", cfg.BindAddr),
			Detail:  "Start it with: taskdeck serve",
		}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return CheckResult{Name: "Server", Status: "FAIL", Message: fmt.Sprintf("/healthz returned %d", resp.StatusCode)}
	}
	return CheckResult{Name: "Server", Status: "PASS", Message: fmt.Sprintf("Healthy at %s", cfg.BindAddr)}
}

func checkUpstream(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Upstream", Status: "SKIP", Message: "Config missing"}
	}
	base := strings.TrimSpace(cfg.Upstream.BaseURL)
	if base == "" {
		return CheckResult{Name: "Upstream", Status: "SKIP", Message: "No gateway configured"}
	}

	u, err := url.Parse(base)
	if err != nil || u.Hostname() == "" {
		return CheckResult{
			Name:    "Upstream",
			Status:  "FAIL",
			Message: fmt.Sprintf("upstream.base_url invalid: %q", base),
			Detail:  "Expected a full URL like http://127.0.0.1:18789",
		}
	}
	host := u.Hostname()

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Upstream",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("base_url=%s, latency=%dms", base, latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Upstream",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("base_url=%s", base),
	}
}
