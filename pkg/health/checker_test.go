package health

import (
	"context"
	"testing"
	"time"
)

func staticCheck(name string, status Status, msg string) Check {
	return CheckFn{Component: name, Fn: func(ctx context.Context) (Status, string) {
		return status, msg
	}}
}

func TestRunAggregation(t *testing.T) {
	tests := []struct {
		name    string
		checks  []Check
		overall Status
	}{
		{
			name:    "all ok",
			checks:  []Check{staticCheck("store", StatusOK, ""), staticCheck("catalog", StatusOK, "")},
			overall: StatusOK,
		},
		{
			name:    "degraded wins over ok",
			checks:  []Check{staticCheck("store", StatusOK, ""), staticCheck("transport", StatusDegraded, "reconnecting")},
			overall: StatusDegraded,
		},
		{
			name: "critical wins over degraded",
			checks: []Check{
				staticCheck("store", StatusCritical, "ping failed"),
				staticCheck("transport", StatusDegraded, ""),
			},
			overall: StatusCritical,
		},
		{
			name:    "unknown beats ok only",
			checks:  []Check{staticCheck("feedback", StatusUnknown, ""), staticCheck("store", StatusOK, "")},
			overall: StatusUnknown,
		},
		{
			name:    "no checks",
			checks:  nil,
			overall: StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(time.Now(), 1)
			c.Register(tt.checks...)
			report := c.Run(context.Background())
			if report.Overall != tt.overall {
				t.Errorf("Overall = %s, want %s", report.Overall, tt.overall)
			}
			if len(report.Components) != len(tt.checks) {
				t.Errorf("got %d component results, want %d", len(report.Components), len(tt.checks))
			}
		})
	}
}

func TestReportIdentity(t *testing.T) {
	started := time.Now().Add(-42 * time.Second)
	c := NewChecker(started, 3)
	report := c.Run(context.Background())

	if report.SchemaVersion != 3 {
		t.Errorf("SchemaVersion = %d, want 3", report.SchemaVersion)
	}
	if report.Uptime < 42*time.Second {
		t.Errorf("Uptime = %v, want >= 42s", report.Uptime)
	}
}

func TestRunCheckByName(t *testing.T) {
	c := NewChecker(time.Now(), 1)
	c.Register(staticCheck("store", StatusOK, "ping ok"))

	result, err := c.RunCheck(context.Background(), "store")
	if err != nil {
		t.Fatalf("RunCheck: %v", err)
	}
	if result.Status != StatusOK || result.Message != "ping ok" {
		t.Errorf("unexpected result %+v", result)
	}

	if _, err := c.RunCheck(context.Background(), "missing"); err == nil {
		t.Error("expected error for unknown check")
	}
}
