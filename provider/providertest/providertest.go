// Package providertest checks the provider.Provider contract backend/kv relies on.
package providertest

import (
	"bytes"
	"context"
	"testing"
	"time"

	pr "github.com/unkn0wn-root/recordcache/provider"
)

// Run exercises miss, round trip, overwrite and delete semantics on a fresh provider.
func Run(t *testing.T, newProvider func(t *testing.T) pr.Provider) {
	t.Helper()
	ctx := context.Background()

	t.Run("miss", func(t *testing.T) {
		p := newProvider(t)
		b, ok, err := p.Get(ctx, "rec:ns:missing")
		if err != nil || ok || b != nil {
			t.Fatalf("miss: b=%v ok=%v err=%v", b, ok, err)
		}
	})

	t.Run("round trip is byte transparent", func(t *testing.T) {
		p := newProvider(t)
		want := []byte{'R', 'C', 'R', 'D', 0, 1, 0xFF, 0}
		mustSet(t, p, "rec:ns:1", want)
		got, ok, err := p.Get(ctx, "rec:ns:1")
		if err != nil || !ok {
			t.Fatalf("get: ok=%v err=%v", ok, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("got %x want %x", got, want)
		}
	})

	t.Run("overwrite", func(t *testing.T) {
		p := newProvider(t)
		mustSet(t, p, "idx:ns", []byte("old"))
		mustSet(t, p, "idx:ns", []byte("new"))
		got, ok, err := p.Get(ctx, "idx:ns")
		if err != nil || !ok || string(got) != "new" {
			t.Fatalf("got %q ok=%v err=%v", got, ok, err)
		}
	})

	t.Run("delete", func(t *testing.T) {
		p := newProvider(t)
		mustSet(t, p, "rec:ns:2", []byte("x"))
		if err := p.Del(ctx, "rec:ns:2"); err != nil {
			t.Fatalf("del: %v", err)
		}
		if _, ok, err := p.Get(ctx, "rec:ns:2"); err != nil || ok {
			t.Fatalf("after del: ok=%v err=%v", ok, err)
		}
		if err := p.Del(ctx, "rec:ns:never"); err != nil {
			t.Fatalf("del missing: %v", err)
		}
	})
}

func mustSet(t *testing.T, p pr.Provider, key string, v []byte) {
	t.Helper()
	ok, err := p.Set(context.Background(), key, v, int64(len(v)), time.Hour)
	if err != nil || !ok {
		t.Fatalf("set %q: ok=%v err=%v", key, ok, err)
	}
}
