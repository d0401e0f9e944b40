package tasks

import (
	"context"
	"testing"

	"github.com/wheelproxy/wheelproxy"
	"github.com/wheelproxy/wheelproxy/pkg/store/memory"
)

type fakeSyncer struct {
	called wheelproxy.BackingIndex
}

func (f *fakeSyncer) Sync(_ context.Context, idx wheelproxy.BackingIndex) error {
	f.called = idx
	return nil
}

func Test_SyncHandlerResolvesIndex(t *testing.T) {
	t.Parallel()

	metadata := memory.New()
	idx := wheelproxy.BackingIndex{Slug: "pypi", Backend: "dev-index"}
	if err := metadata.PutIndex(context.Background(), idx); err != nil {
		t.Fatalf("test setup: %v", err)
	}

	s := &fakeSyncer{}
	h := SyncHandler(metadata, s)

	if err := h(context.Background(), NewSyncTask("pypi")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.called.Slug != "pypi" {
		t.Fatalf("unexpected index passed to Sync: %+v", s.called)
	}
}

type fakeRebuilder struct {
	releaseKey string
	release    wheelproxy.Release
	platform   wheelproxy.Platform
	force      bool
}

func (f *fakeRebuilder) Rebuild(_ context.Context, releaseKey string, release wheelproxy.Release, platform wheelproxy.Platform, force bool) (wheelproxy.Build, error) {
	f.releaseKey = releaseKey
	f.release = release
	f.platform = platform
	f.force = force
	return wheelproxy.Build{Release: releaseKey, Platform: platform.Slug, ArtifactKey: "built"}, nil
}

func Test_BuildHandlerResolvesReleaseAndPlatform(t *testing.T) {
	t.Parallel()

	metadata := memory.New()
	release := wheelproxy.Release{Package: "pypi/flask", Version: "2.0.1", URL: "http://upstream/flask-2.0.1.tar.gz"}
	platform := wheelproxy.Platform{Slug: "linux-x86_64-cp311", Kind: "container"}
	if err := metadata.PutRelease(context.Background(), release); err != nil {
		t.Fatalf("test setup: %v", err)
	}
	if err := metadata.PutPlatform(context.Background(), platform); err != nil {
		t.Fatalf("test setup: %v", err)
	}

	b := &fakeRebuilder{}
	h := BuildHandler(metadata, b)

	task := NewBuildTask("pypi/flask", "2.0.1", "linux-x86_64-cp311", true)
	if err := h(context.Background(), task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.releaseKey != "pypi/flask/2.0.1" {
		t.Fatalf("unexpected release key: %s", b.releaseKey)
	}
	if !b.force {
		t.Fatal("expected force to be propagated")
	}
	if b.platform.Slug != "linux-x86_64-cp311" {
		t.Fatalf("unexpected platform: %+v", b.platform)
	}
}

type fakeCompiler struct {
	key string
}

func (f *fakeCompiler) Compile(_ context.Context, key string) error {
	f.key = key
	return nil
}

func Test_CompileHandlerDelegates(t *testing.T) {
	t.Parallel()

	c := &fakeCompiler{}
	h := CompileHandler(c)

	if err := h(context.Background(), NewCompileTask("linux-x86_64-cp311:abc123")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.key != "linux-x86_64-cp311:abc123" {
		t.Fatalf("unexpected compile key: %s", c.key)
	}
}
