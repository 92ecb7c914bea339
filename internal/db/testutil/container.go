// Package testutil starts throwaway PostgreSQL containers for database tests
package testutil

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"testing"
	"time"

	"edgeproxy/internal/db/schema"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	postgresImage = "postgres:16-alpine"
	dbName        = "edgeproxy_test"
	dbUser        = "edgeproxy_test"
	dbPassword    = "test_password"
)

var (
	dockerAvailable     bool
	dockerAvailableOnce sync.Once
)

// IsDockerAvailable reports whether a Docker daemon answers
func IsDockerAvailable() bool {
	dockerAvailableOnce.Do(func() {
		if _, err := exec.LookPath("docker"); err != nil {
			return
		}
		dockerAvailable = exec.Command("docker", "info").Run() == nil
	})
	return dockerAvailable
}

// SkipIfNoDocker skips the test if Docker is not available
func SkipIfNoDocker(t *testing.T) {
	t.Helper()
	if !IsDockerAvailable() {
		t.Skip("Docker is not available, skipping test")
	}
}

// TestDB is a running PostgreSQL container and a pool connected to it
type TestDB struct {
	Container testcontainers.Container
	Pool      *pgxpool.Pool
	connStr   string
}

// NewTestDB starts a container with the schema applied
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()
	tdb := NewBareTestDB(t)
	if err := tdb.ApplySchema(context.Background()); err != nil {
		tdb.Close(t)
		t.Fatalf("Failed to apply schema: %v", err)
	}
	return tdb
}

// NewBareTestDB starts a container with an empty database
func NewBareTestDB(t *testing.T) *TestDB {
	t.Helper()
	SkipIfNoDocker(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        postgresImage,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_DB":       dbName,
				"POSTGRES_USER":     dbUser,
				"POSTGRES_PASSWORD": dbPassword,
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	tdb := &TestDB{Container: container}

	host, err := container.Host(ctx)
	if err != nil {
		tdb.Close(t)
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		tdb.Close(t)
		t.Fatalf("Failed to get container port: %v", err)
	}
	tdb.connStr = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUser, dbPassword, host, port.Port(), dbName)

	pool, err := pgxpool.New(ctx, tdb.connStr)
	if err != nil {
		tdb.Close(t)
		t.Fatalf("Failed to create connection pool: %v", err)
	}
	tdb.Pool = pool

	if err := pool.Ping(ctx); err != nil {
		tdb.Close(t)
		t.Fatalf("Failed to ping database: %v", err)
	}
	return tdb
}

// ApplySchema executes the embedded schema directly, without the
// bootstrap lock
func (tdb *TestDB) ApplySchema(ctx context.Context) error {
	_, err := tdb.Pool.Exec(ctx, schema.SQL)
	return err
}

// ConnectionString returns the PostgreSQL connection string
func (tdb *TestDB) ConnectionString() string {
	return tdb.connStr
}

// Close closes the pool and terminates the container
func (tdb *TestDB) Close(t *testing.T) {
	t.Helper()

	if tdb.Pool != nil {
		tdb.Pool.Close()
	}
	if tdb.Container != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tdb.Container.Terminate(ctx); err != nil {
			t.Logf("Warning: failed to terminate container: %v", err)
		}
	}
}
