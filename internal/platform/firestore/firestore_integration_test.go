//go:build integration

package firestore_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	pconfig "github.com/ferncart/api/internal/platform/config"
	pfirestore "github.com/ferncart/api/internal/platform/firestore"
)

const emulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

type stockDoc struct {
	ProductID string `firestore:"productId"`
	OnHand    int    `firestore:"onHand"`
}

// Exercises the provider, typed repository and transaction helpers against
// a real emulator, using the kind of stock document the service stores.
func TestProviderAgainstEmulator(t *testing.T) {
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}
	requireDockerDaemon(t)

	port := reservePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := runEmulator(t, port)
	defer stopEmulator(containerID)
	awaitEndpoint(t, endpoint, 30*time.Second)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{
		ProjectID:    "ferncart-test",
		EmulatorHost: endpoint,
	})
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if _, err := provider.Client(ctx); err != nil {
		t.Fatalf("client: %v", err)
	}

	repo := pfirestore.NewBaseRepository[stockDoc](provider, "stock", nil, nil)

	if _, err := repo.Set(ctx, "prod_1", stockDoc{ProductID: "prod_1", OnHand: 10}); err != nil {
		t.Fatalf("set: %v", err)
	}

	doc, err := repo.Get(ctx, "prod_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.ID != "prod_1" || doc.Data.OnHand != 10 {
		t.Fatalf("unexpected document: %#v", doc)
	}
	if doc.UpdateTime.IsZero() {
		t.Fatal("update time not populated")
	}

	if _, err := repo.Update(ctx, "prod_1", []firestore.Update{{Path: "onHand", Value: 7}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if doc, err = repo.Get(ctx, "prod_1"); err != nil || doc.Data.OnHand != 7 {
		t.Fatalf("after update: onHand=%d err=%v", doc.Data.OnHand, err)
	}

	docs, err := repo.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("onHand", ">", 0)
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("query returned %d documents, want 1", len(docs))
	}

	_, err = repo.Get(ctx, "prod_missing")
	if err == nil {
		t.Fatal("expected not found")
	}
	var repoErr *pfirestore.Error
	if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
		t.Fatalf("expected not-found classification, got %v", err)
	}

	// Transactional read-modify-write, the same shape the stock repository uses.
	if err := provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := repo.DocumentRef(ctx, "prod_1")
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var level stockDoc
		if err := snap.DataTo(&level); err != nil {
			return err
		}
		level.OnHand -= 2
		return tx.Set(ref, level)
	}); err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if doc, err = repo.Get(ctx, "prod_1"); err != nil || doc.Data.OnHand != 5 {
		t.Fatalf("after transaction: onHand=%d err=%v", doc.Data.OnHand, err)
	}

	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	err = provider.RunTransaction(cancelled, func(context.Context, *firestore.Transaction) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func reservePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func runEmulator(t *testing.T, port int) string {
	t.Helper()
	out, err := exec.Command("docker",
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		emulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	).CombinedOutput()
	if err != nil {
		t.Fatalf("start emulator: %v - %s", err, out)
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatal("docker returned empty container id")
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func stopEmulator(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = exec.CommandContext(ctx, "docker", "stop", id).Run()
}

func awaitEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		lastErr = err
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("emulator not ready: %v", lastErr)
}

func requireDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, "docker", "info").Run(); err != nil {
		t.Skip("docker daemon unavailable: " + err.Error())
	}
}
