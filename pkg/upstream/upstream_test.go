package upstream

import (
	"errors"
	"testing"

	"github.com/wheelproxy/wheelproxy"
)

func Test_RegistryNew(t *testing.T) {
	called := false
	registry := Registry{
		"simple-xmlrpc": func(idx wheelproxy.BackingIndex) (Client, error) {
			called = true
			return nil, nil
		},
	}

	if _, err := registry.New(wheelproxy.BackingIndex{Backend: "simple-xmlrpc"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected registered factory to be invoked")
	}
}

func Test_RegistryNewUnknownBackend(t *testing.T) {
	registry := Registry{}

	_, err := registry.New(wheelproxy.BackingIndex{Backend: "carrier-pigeon"})
	if !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("expected ErrUnknownBackend, got %v", err)
	}
}

func Test_BestRelease(t *testing.T) {
	testCases := []struct {
		title       string
		descriptors []ReleaseDescriptor
		expectFound bool
		expectType  string
	}{
		{
			title: "prefers sdist",
			descriptors: []ReleaseDescriptor{
				{Type: "bdist_wheel", Filename: "flask-2.0.1-py2.py3-none-any.whl"},
				{Type: "sdist", Filename: "flask-2.0.1.tar.gz"},
			},
			expectFound: true,
			expectType:  "sdist",
		},
		{
			title: "falls back to universal wheel",
			descriptors: []ReleaseDescriptor{
				{Type: "bdist_wheel", Filename: "flask-2.0.1-cp39-cp39-linux_x86_64.whl"},
				{Type: "bdist_wheel", Filename: "flask-2.0.1-py2.py3-none-any.whl"},
			},
			expectFound: true,
			expectType:  "bdist_wheel",
		},
		{
			title: "no candidate",
			descriptors: []ReleaseDescriptor{
				{Type: "bdist_wheel", Filename: "flask-2.0.1-cp39-cp39-linux_x86_64.whl"},
			},
			expectFound: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.title, func(t *testing.T) {
			got, found := BestRelease(tc.descriptors)
			if found != tc.expectFound {
				t.Fatalf("expected found=%v, got %v", tc.expectFound, found)
			}
			if found && got.Type != tc.expectType {
				t.Fatalf("expected type %q, got %q", tc.expectType, got.Type)
			}
		})
	}
}
