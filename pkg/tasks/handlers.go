package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wheelproxy/wheelproxy"
	"github.com/wheelproxy/wheelproxy/pkg/store"
)

// syncer is the narrow capability SyncHandler needs from a
// pkg/sync.Synchronizer, kept as a local interface so this package never
// imports pkg/sync (which would otherwise import pkg/tasks right back, once
// cmd/ wires a synchronizer's own enqueue calls through this package).
type syncer interface {
	Sync(ctx context.Context, idx wheelproxy.BackingIndex) error
}

// SyncHandler adapts a syncer into a Handler for KindSync tasks: it
// resolves the BackingIndex by slug and delegates to Sync.
func SyncHandler(metadata store.MetadataStore, s syncer) Handler {
	return func(ctx context.Context, t Task) error {
		var p SyncPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return fmt.Errorf("tasks: decoding sync payload: %w", err)
		}

		idx, err := metadata.GetIndex(ctx, p.IndexSlug)
		if err != nil {
			return err
		}
		return s.Sync(ctx, idx)
	}
}

// rebuilder is the narrow capability BuildHandler needs from a
// pkg/builder.Builder.
type rebuilder interface {
	Rebuild(ctx context.Context, releaseKey string, release wheelproxy.Release, platform wheelproxy.Platform, force bool) (wheelproxy.Build, error)
}

// BuildHandler adapts a rebuilder into a Handler for KindBuild tasks: it
// resolves the Release and Platform rows and delegates to Rebuild. The
// release key format ("{package}/{version}") matches what pkg/store/memory
// and pkg/builder already use to key builds.
func BuildHandler(metadata store.MetadataStore, b rebuilder) Handler {
	return func(ctx context.Context, t Task) error {
		var p BuildPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return fmt.Errorf("tasks: decoding build payload: %w", err)
		}

		release, err := metadata.GetRelease(ctx, p.PackageKey, p.Version)
		if err != nil {
			return err
		}
		platform, err := metadata.GetPlatform(ctx, p.PlatformSlug)
		if err != nil {
			return err
		}

		releaseKey := fmt.Sprintf("%s/%s", p.PackageKey, p.Version)
		_, err = b.Rebuild(ctx, releaseKey, release, platform, p.Force)
		return err
	}
}

// compiler is the narrow capability CompileHandler needs from a
// pkg/resolver graph compiler: compile writes its result to the
// CompiledRequirements row identified by key and reports any
// IncompatibleRequirements/CompilationDidNotConverge failure there too, so
// the handler itself has nothing further to persist.
type compiler interface {
	Compile(ctx context.Context, key string) error
}

// CompileHandler adapts a compiler into a Handler for KindCompile tasks.
func CompileHandler(c compiler) Handler {
	return func(ctx context.Context, t Task) error {
		var p CompilePayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return fmt.Errorf("tasks: decoding compile payload: %w", err)
		}
		return c.Compile(ctx, p.Key)
	}
}
