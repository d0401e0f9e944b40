// Package postgres implements the Metadata Store on top of Postgres via
// pgx. Schema changes are applied out of band by the `migrate` subcommand
// (see migrations/); this package only issues DML against the resulting
// tables.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wheelproxy/wheelproxy"
	"github.com/wheelproxy/wheelproxy/pkg/store"
)

// Store is a MetadataStore backed by a Postgres connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to Postgres using the given DSN (the BUILDS_STORAGE_DSN
// configuration key of spec §6) and returns a Store.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, wheelproxy.NewWrappedError(store.ErrInitializingStore, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, wheelproxy.NewWrappedError(store.ErrInitializingStore, err)
	}

	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: "+format, append([]any{store.ErrNotFound}, args...)...)
	}
	return err
}

func (s *Store) PutPlatform(ctx context.Context, p wheelproxy.Platform) error {
	_, err := s.pool.Exec(ctx, `
		insert into platforms (slug, kind, image, env, command, markers)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (slug) do update set
			kind = excluded.kind, image = excluded.image,
			env = excluded.env, command = excluded.command, markers = excluded.markers
	`, p.Slug, p.Kind, p.Image, p.Env, p.Command, p.Markers)
	if err != nil {
		return wheelproxy.NewWrappedError(store.ErrAccessingStore, err)
	}
	return nil
}

func (s *Store) GetPlatform(ctx context.Context, slug string) (wheelproxy.Platform, error) {
	var p wheelproxy.Platform
	err := s.pool.QueryRow(ctx, `
		select slug, kind, image, env, command, markers from platforms where slug = $1
	`, slug).Scan(&p.Slug, &p.Kind, &p.Image, &p.Env, &p.Command, &p.Markers)
	if err != nil {
		return wheelproxy.Platform{}, notFound(err, "platform %q", slug)
	}
	return p, nil
}

func (s *Store) ListPlatforms(ctx context.Context) ([]wheelproxy.Platform, error) {
	rows, err := s.pool.Query(ctx, `select slug, kind, image, env, command, markers from platforms`)
	if err != nil {
		return nil, wheelproxy.NewWrappedError(store.ErrAccessingStore, err)
	}
	defer rows.Close()

	var out []wheelproxy.Platform
	for rows.Next() {
		var p wheelproxy.Platform
		if err := rows.Scan(&p.Slug, &p.Kind, &p.Image, &p.Env, &p.Command, &p.Markers); err != nil {
			return nil, wheelproxy.NewWrappedError(store.ErrAccessingStore, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) PutIndex(ctx context.Context, idx wheelproxy.BackingIndex) error {
	_, err := s.pool.Exec(ctx, `
		insert into backing_indexes (slug, base_url, backend, last_update_serial)
		values ($1, $2, $3, $4)
		on conflict (slug) do update set
			base_url = excluded.base_url, backend = excluded.backend,
			last_update_serial = excluded.last_update_serial
	`, idx.Slug, idx.BaseURL, idx.Backend, idx.LastUpdateSerial)
	if err != nil {
		return wheelproxy.NewWrappedError(store.ErrAccessingStore, err)
	}
	return nil
}

func (s *Store) GetIndex(ctx context.Context, slug string) (wheelproxy.BackingIndex, error) {
	var idx wheelproxy.BackingIndex
	err := s.pool.QueryRow(ctx, `
		select slug, base_url, backend, last_update_serial from backing_indexes where slug = $1
	`, slug).Scan(&idx.Slug, &idx.BaseURL, &idx.Backend, &idx.LastUpdateSerial)
	if err != nil {
		return wheelproxy.BackingIndex{}, notFound(err, "index %q", slug)
	}
	return idx, nil
}

func (s *Store) ListIndexes(ctx context.Context) ([]wheelproxy.BackingIndex, error) {
	rows, err := s.pool.Query(ctx, `select slug, base_url, backend, last_update_serial from backing_indexes`)
	if err != nil {
		return nil, wheelproxy.NewWrappedError(store.ErrAccessingStore, err)
	}
	defer rows.Close()

	var out []wheelproxy.BackingIndex
	for rows.Next() {
		var idx wheelproxy.BackingIndex
		if err := rows.Scan(&idx.Slug, &idx.BaseURL, &idx.Backend, &idx.LastUpdateSerial); err != nil {
			return nil, wheelproxy.NewWrappedError(store.ErrAccessingStore, err)
		}
		out = append(out, idx)
	}
	return out, rows.Err()
}

func (s *Store) PutPackage(ctx context.Context, p wheelproxy.Package) error {
	_, err := s.pool.Exec(ctx, `
		insert into packages (index_slug, name, normalized_name)
		values ($1, $2, $3)
		on conflict (index_slug, normalized_name) do update set name = excluded.name
	`, p.Index, p.Name, p.NormalizedName)
	if err != nil {
		return wheelproxy.NewWrappedError(store.ErrAccessingStore, err)
	}
	return nil
}

func (s *Store) GetPackage(ctx context.Context, index, normalizedName string) (wheelproxy.Package, error) {
	var p wheelproxy.Package
	err := s.pool.QueryRow(ctx, `
		select index_slug, name, normalized_name from packages
		where index_slug = $1 and normalized_name = $2
	`, index, normalizedName).Scan(&p.Index, &p.Name, &p.NormalizedName)
	if errors.Is(err, pgx.ErrNoRows) {
		return wheelproxy.Package{}, fmt.Errorf("%w: package %q", wheelproxy.ErrPackageNotFound, normalizedName)
	}
	if err != nil {
		return wheelproxy.Package{}, wheelproxy.NewWrappedError(store.ErrAccessingStore, err)
	}
	return p, nil
}

func (s *Store) ListPackages(ctx context.Context, index string) ([]wheelproxy.Package, error) {
	rows, err := s.pool.Query(ctx, `
		select index_slug, name, normalized_name from packages where index_slug = $1
	`, index)
	if err != nil {
		return nil, wheelproxy.NewWrappedError(store.ErrAccessingStore, err)
	}
	defer rows.Close()

	var out []wheelproxy.Package
	for rows.Next() {
		var p wheelproxy.Package
		if err := rows.Scan(&p.Index, &p.Name, &p.NormalizedName); err != nil {
			return nil, wheelproxy.NewWrappedError(store.ErrAccessingStore, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) PutRelease(ctx context.Context, r wheelproxy.Release) error {
	_, err := s.pool.Exec(ctx, `
		insert into releases (package, version, url, md5_digest)
		values ($1, $2, $3, $4)
		on conflict (package, version) do update set
			url = excluded.url, md5_digest = excluded.md5_digest
	`, r.Package, r.Version, r.URL, r.MD5Digest)
	if err != nil {
		return wheelproxy.NewWrappedError(store.ErrAccessingStore, err)
	}
	return nil
}

func (s *Store) GetRelease(ctx context.Context, pkg, version string) (wheelproxy.Release, error) {
	var r wheelproxy.Release
	err := s.pool.QueryRow(ctx, `
		select package, version, url, md5_digest from releases where package = $1 and version = $2
	`, pkg, version).Scan(&r.Package, &r.Version, &r.URL, &r.MD5Digest)
	if errors.Is(err, pgx.ErrNoRows) {
		return wheelproxy.Release{}, fmt.Errorf("%w: release %s==%s", wheelproxy.ErrPackageNotFound, pkg, version)
	}
	if err != nil {
		return wheelproxy.Release{}, wheelproxy.NewWrappedError(store.ErrAccessingStore, err)
	}
	return r, nil
}

func (s *Store) ListReleases(ctx context.Context, pkg string) ([]wheelproxy.Release, error) {
	rows, err := s.pool.Query(ctx, `
		select package, version, url, md5_digest from releases where package = $1
	`, pkg)
	if err != nil {
		return nil, wheelproxy.NewWrappedError(store.ErrAccessingStore, err)
	}
	defer rows.Close()

	var out []wheelproxy.Release
	for rows.Next() {
		var r wheelproxy.Release
		if err := rows.Scan(&r.Package, &r.Version, &r.URL, &r.MD5Digest); err != nil {
			return nil, wheelproxy.NewWrappedError(store.ErrAccessingStore, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) PutBuild(ctx context.Context, b wheelproxy.Build) error {
	_, err := s.pool.Exec(ctx, `
		insert into builds (
			release, platform, artifact_key, md5_digest, filesize,
			is_external, external_url, metadata, started_at, finished_at, duration_seconds
		)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		on conflict (release, platform) do update set
			artifact_key = excluded.artifact_key, md5_digest = excluded.md5_digest,
			filesize = excluded.filesize, is_external = excluded.is_external,
			external_url = excluded.external_url, metadata = excluded.metadata,
			started_at = excluded.started_at, finished_at = excluded.finished_at,
			duration_seconds = excluded.duration_seconds
	`,
		b.Release, b.Platform, b.ArtifactKey, b.MD5Digest, b.Filesize,
		b.IsExternal, b.ExternalURL, b.Metadata, b.StartedAt, b.FinishedAt, b.DurationSec,
	)
	if err != nil {
		return wheelproxy.NewWrappedError(store.ErrAccessingStore, err)
	}
	return nil
}

func (s *Store) GetBuild(ctx context.Context, release, platform string) (wheelproxy.Build, error) {
	var b wheelproxy.Build
	err := s.pool.QueryRow(ctx, `
		select release, platform, artifact_key, md5_digest, filesize,
			is_external, external_url, metadata, started_at, finished_at, duration_seconds
		from builds where release = $1 and platform = $2
	`, release, platform).Scan(
		&b.Release, &b.Platform, &b.ArtifactKey, &b.MD5Digest, &b.Filesize,
		&b.IsExternal, &b.ExternalURL, &b.Metadata, &b.StartedAt, &b.FinishedAt, &b.DurationSec,
	)
	if err != nil {
		return wheelproxy.Build{}, notFound(err, "build %s/%s", release, platform)
	}
	return b, nil
}

// RemoveRelease implements the optional releaseRemover capability consumed
// by pkg/sync when pruning releases no longer reported by upstream. It
// cascades to the release's Builds, since the schema has no foreign key
// from builds.release to releases (release is a composite string key, not
// a row id).
func (s *Store) RemoveRelease(ctx context.Context, pkg, version string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wheelproxy.NewWrappedError(store.ErrAccessingStore, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	release := pkg + "/" + version
	if _, err := tx.Exec(ctx, `delete from builds where release = $1`, release); err != nil {
		return wheelproxy.NewWrappedError(store.ErrAccessingStore, err)
	}
	if _, err := tx.Exec(ctx, `delete from releases where package = $1 and version = $2`, pkg, version); err != nil {
		return wheelproxy.NewWrappedError(store.ErrAccessingStore, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return wheelproxy.NewWrappedError(store.ErrAccessingStore, err)
	}
	return nil
}

// RemovePackage implements the optional packageRemover capability consumed
// by pkg/sync when an upstream package disappears, cascading to its
// Releases and their Builds.
func (s *Store) RemovePackage(ctx context.Context, indexSlug, normalizedName string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wheelproxy.NewWrappedError(store.ErrAccessingStore, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	pkgKey := indexSlug + "/" + normalizedName
	if _, err := tx.Exec(ctx, `
		delete from builds where release in (
			select package || '/' || version from releases where package = $1
		)
	`, pkgKey); err != nil {
		return wheelproxy.NewWrappedError(store.ErrAccessingStore, err)
	}
	if _, err := tx.Exec(ctx, `delete from releases where package = $1`, pkgKey); err != nil {
		return wheelproxy.NewWrappedError(store.ErrAccessingStore, err)
	}
	if _, err := tx.Exec(ctx, `
		delete from packages where index_slug = $1 and normalized_name = $2
	`, indexSlug, normalizedName); err != nil {
		return wheelproxy.NewWrappedError(store.ErrAccessingStore, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return wheelproxy.NewWrappedError(store.ErrAccessingStore, err)
	}
	return nil
}

func (s *Store) PutCompiledRequirements(ctx context.Context, key string, c wheelproxy.CompiledRequirements) error {
	_, err := s.pool.Exec(ctx, `
		insert into compiled_requirements (key, platform, input, output, log, status)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (key) do update set
			platform = excluded.platform, input = excluded.input, output = excluded.output,
			log = excluded.log, status = excluded.status
	`, key, c.Platform, c.Input, c.Output, c.Log, c.Status)
	if err != nil {
		return wheelproxy.NewWrappedError(store.ErrAccessingStore, err)
	}
	return nil
}

func (s *Store) GetCompiledRequirements(ctx context.Context, key string) (wheelproxy.CompiledRequirements, error) {
	var c wheelproxy.CompiledRequirements
	err := s.pool.QueryRow(ctx, `
		select platform, input, output, log, status from compiled_requirements where key = $1
	`, key).Scan(&c.Platform, &c.Input, &c.Output, &c.Log, &c.Status)
	if err != nil {
		return wheelproxy.CompiledRequirements{}, notFound(err, "compiled requirements %q", key)
	}
	return c, nil
}
