// Package storetest spins up a throwaway PostgreSQL container for store
// integration tests, grounded on the same testcontainers-go pattern used
// elsewhere in this dependency graph for Postgres-backed adapter tests.
package storetest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	once      sync.Once
	sharedDSN string
	initErr   error
)

// OpenTestDB starts a shared Postgres container on first use, applies
// schema.sql, and returns a fresh *sql.DB connected to it. The connection is
// closed via t.Cleanup; the container lives until the process exits.
func OpenTestDB(t *testing.T) *sql.DB {
	t.Helper()

	once.Do(func() {
		sharedDSN, initErr = startContainerAndMigrate()
	})
	if initErr != nil {
		t.Fatalf("storetest: failed to start database: %v", initErr)
	}

	db, err := sql.Open("postgres", sharedDSN)
	if err != nil {
		t.Fatalf("storetest: sql.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec(`TRUNCATE channels, users RESTART IDENTITY CASCADE`); err != nil {
		t.Fatalf("storetest: truncate: %v", err)
	}

	return db
}

func startContainerAndMigrate() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "groupchannel",
			"POSTGRES_PASSWORD": "groupchannel-secret",
			"POSTGRES_DB":       "groupchannel_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return "", fmt.Errorf("container port: %w", err)
	}

	dsn := fmt.Sprintf("postgres://groupchannel:groupchannel-secret@%s:%s/groupchannel_test?sslmode=disable", host, port.Port())

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return "", fmt.Errorf("sql.Open: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return "", fmt.Errorf("ping: %w", err)
	}

	schema, err := os.ReadFile(schemaPath())
	if err != nil {
		return "", fmt.Errorf("read schema.sql: %w", err)
	}
	if _, err := db.ExecContext(ctx, string(schema)); err != nil {
		return "", fmt.Errorf("apply schema.sql: %w", err)
	}

	return dsn, nil
}

// schemaPath resolves the absolute path to the repo-root schema.sql relative
// to this source file using runtime.Caller.
func schemaPath() string {
	_, currentFile, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(currentFile), "..", "..", "..", "schema.sql")
}
