package backends

import (
	"context"
	"testing"

	"github.com/convokit-dev/convokit/pkg/session"
	"github.com/convokit-dev/convokit/pkg/session/memory"
)

func TestNewRegistrySchemes(t *testing.T) {
	r := NewRegistry()

	for _, scheme := range []string{"memory", "file", "redis", "rediss", "mongodb", "mongodb+srv", "firestore"} {
		if !r.IsRegistered(scheme) {
			t.Errorf("scheme %s not registered", scheme)
		}
	}
}

func TestResolveMemory(t *testing.T) {
	store, err := NewRegistry().Resolve("memory://", session.Options{})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	defer store.Close()

	sess, err := store.CreateSession(context.Background(), "app1", "u1", session.CreateOptions{})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if sess.ID == "" {
		t.Error("expected generated session ID")
	}
}

func TestOverrideScheme(t *testing.T) {
	r := NewRegistry()
	r.Register("redis", func(uri string, opts session.Options) (session.Store, error) {
		return memory.New(), nil
	})

	store, err := r.Resolve("redis://ignored:6379", session.Options{})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	defer store.Close()

	if _, ok := store.(*memory.Store); !ok {
		t.Errorf("override ignored, got %T", store)
	}
}
