//go:build integration
// +build integration

package integration

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/wheelproxy/wheelproxy"
	"github.com/wheelproxy/wheelproxy/pkg/store/postgres"
)

// Test_PostgresMetadataStore exercises the Metadata Store's Postgres
// backend, including the RemoveRelease/RemovePackage cascades consumed by
// pkg/sync, against a real database migrated with the same golang-migrate
// files the `migrate` subcommand applies in production.
func Test_PostgresMetadataStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "wheelproxy",
			"POSTGRES_PASSWORD": "wheelproxy",
			"POSTGRES_DB":       "wheelproxy",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("starting postgres: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("terminating postgres: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("resolving host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("resolving port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://wheelproxy:wheelproxy@%s:%s/wheelproxy?sslmode=disable", host, port.Port())

	if err := applyMigrations(dsn); err != nil {
		t.Fatalf("applying migrations: %v", err)
	}

	store, err := postgres.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connecting store: %v", err)
	}
	t.Cleanup(store.Close)

	platform := wheelproxy.Platform{Slug: "linux-x86_64-cp311", Kind: "container", Image: "python:3.11-slim"}
	if err := store.PutPlatform(ctx, platform); err != nil {
		t.Fatalf("put platform: %v", err)
	}

	idx := wheelproxy.BackingIndex{Slug: "pypi", BaseURL: "https://pypi.org", Backend: "dev-index"}
	if err := store.PutIndex(ctx, idx); err != nil {
		t.Fatalf("put index: %v", err)
	}

	pkg := wheelproxy.Package{Name: "Flask", NormalizedName: "flask", Index: "pypi"}
	if err := store.PutPackage(ctx, pkg); err != nil {
		t.Fatalf("put package: %v", err)
	}

	release := wheelproxy.Release{Package: "pypi/flask", Version: "2.0.1", URL: "http://upstream/flask-2.0.1.tar.gz", MD5Digest: "abc"}
	if err := store.PutRelease(ctx, release); err != nil {
		t.Fatalf("put release: %v", err)
	}

	build := wheelproxy.Build{Release: "pypi/flask/2.0.1", Platform: platform.Slug, ArtifactKey: "pypi/flask/2.0.1/flask-2.0.1-py3-none-any.whl"}
	if err := store.PutBuild(ctx, build); err != nil {
		t.Fatalf("put build: %v", err)
	}

	if _, err := store.GetBuild(ctx, "pypi/flask/2.0.1", platform.Slug); err != nil {
		t.Fatalf("expected build to exist: %v", err)
	}

	if err := store.RemoveRelease(ctx, "pypi/flask", "2.0.1"); err != nil {
		t.Fatalf("remove release: %v", err)
	}
	if _, err := store.GetRelease(ctx, "pypi/flask", "2.0.1"); err == nil {
		t.Fatal("expected release to be removed")
	}
	if _, err := store.GetBuild(ctx, "pypi/flask/2.0.1", platform.Slug); err == nil {
		t.Fatal("expected build to cascade-delete with its release")
	}

	// Recreate the release to exercise RemovePackage's own cascade.
	if err := store.PutRelease(ctx, release); err != nil {
		t.Fatalf("put release: %v", err)
	}
	if err := store.PutBuild(ctx, build); err != nil {
		t.Fatalf("put build: %v", err)
	}

	if err := store.RemovePackage(ctx, "pypi", "flask"); err != nil {
		t.Fatalf("remove package: %v", err)
	}
	if _, err := store.GetPackage(ctx, "pypi", "flask"); err == nil {
		t.Fatal("expected package to be removed")
	}
	if _, err := store.GetRelease(ctx, "pypi/flask", "2.0.1"); err == nil {
		t.Fatal("expected release to cascade-delete with its package")
	}
	if _, err := store.GetBuild(ctx, "pypi/flask/2.0.1", platform.Slug); err == nil {
		t.Fatal("expected build to cascade-delete with its package")
	}
}

func applyMigrations(dsn string) error {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	driver, err := migratepostgres.WithInstance(sqlDB, &migratepostgres.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithDatabaseInstance("file://../migrations", "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}
