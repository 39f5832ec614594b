package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/ferncart/api/internal/domain"
)

func healthyCheck(name string) DependencyCheck {
	return DependencyCheck{
		Name:  name,
		Check: func(context.Context) error { return nil },
	}
}

func TestCollectReportsOKWhenAllProbesPass(t *testing.T) {
	now := time.Date(2026, time.January, 20, 9, 30, 0, 0, time.UTC)
	repo, err := NewDependencyHealthRepository(
		[]DependencyCheck{healthyCheck("firestore"), healthyCheck("pubsub"), healthyCheck("stripe")},
		WithDependencyClock(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusOK {
		t.Fatalf("report status = %s, want ok", report.Status)
	}
	if report.GeneratedAt != now {
		t.Fatalf("generatedAt = %s, want %s", report.GeneratedAt, now)
	}
	if len(report.Checks) != 3 {
		t.Fatalf("got %d checks, want 3", len(report.Checks))
	}
	for name, check := range report.Checks {
		if check.Status != domain.HealthStatusOK {
			t.Fatalf("check %s status = %s, want ok", name, check.Status)
		}
		if check.CheckedAt != now {
			t.Fatalf("check %s checkedAt = %s, want %s", name, check.CheckedAt, now)
		}
	}
}

func TestCollectDegradesOnProbeFailure(t *testing.T) {
	probeErr := errors.New("firestore: connection refused")
	repo, err := NewDependencyHealthRepository([]DependencyCheck{
		{Name: "firestore", Check: func(context.Context) error { return probeErr }},
		healthyCheck("pubsub"),
	})
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("report status = %s, want degraded", report.Status)
	}
	check := report.Checks["firestore"]
	if check.Status != domain.HealthStatusDegraded {
		t.Fatalf("firestore status = %s, want degraded", check.Status)
	}
	if check.Error != probeErr.Error() {
		t.Fatalf("firestore error = %q, want %q", check.Error, probeErr)
	}
	if report.Checks["pubsub"].Status != domain.HealthStatusOK {
		t.Fatalf("pubsub status = %s, want ok", report.Checks["pubsub"].Status)
	}
}

func TestCollectTreatsTimeoutAsError(t *testing.T) {
	repo, err := NewDependencyHealthRepository([]DependencyCheck{
		{
			Name:    "stripe",
			Timeout: 5 * time.Millisecond,
			Check: func(ctx context.Context) error {
				select {
				case <-time.After(50 * time.Millisecond):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		},
	})
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusError {
		t.Fatalf("report status = %s, want error", report.Status)
	}
	check := report.Checks["stripe"]
	if check.Status != domain.HealthStatusError {
		t.Fatalf("stripe status = %s, want error", check.Status)
	}
	if check.Detail != "timeout" {
		t.Fatalf("stripe detail = %q, want timeout", check.Detail)
	}
}

func TestNewDependencyHealthRepositoryValidatesChecks(t *testing.T) {
	if _, err := NewDependencyHealthRepository(nil); err == nil {
		t.Fatal("expected error for empty check list")
	}
	if _, err := NewDependencyHealthRepository([]DependencyCheck{{Name: " "}}); err == nil {
		t.Fatal("expected error for unnamed check")
	}
	if _, err := NewDependencyHealthRepository([]DependencyCheck{{Name: "firestore"}}); err == nil {
		t.Fatal("expected error for check without probe func")
	}
}
