package settings

import (
	"context"
	"testing"

	"github.com/hearthdev/hearth/internal/store"
)

func TestService_GetIntDefaultsAndClamps(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		value string
		want  int
	}{
		{name: "unset falls back to default", value: "", want: DefaultAutoThreshold},
		{name: "valid value in range", value: "90", want: 90},
		{name: "below range clamps up", value: "10", want: MinAutoThreshold},
		{name: "above range clamps down", value: "99", want: MaxAutoThreshold},
		{name: "garbage falls back to default", value: "not-a-number", want: DefaultAutoThreshold},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := store.NewMemoryStore()
			svc := NewService(mem)
			if tt.value != "" {
				if err := svc.Set(ctx, KeyAutoThreshold, tt.value); err != nil {
					t.Fatalf("Set: %v", err)
				}
			}
			if got := svc.AutoThreshold(ctx); got != tt.want {
				t.Errorf("AutoThreshold = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestService_CacheInvalidatedOnWrite(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	svc := NewService(mem)

	if got := svc.VerbatimBudget(ctx); got != DefaultVerbatimBudget {
		t.Fatalf("initial VerbatimBudget = %d, want default %d", got, DefaultVerbatimBudget)
	}

	// Default is now cached; a write must invalidate it.
	if err := svc.Set(ctx, KeyVerbatimBudget, "25"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := svc.VerbatimBudget(ctx); got != 25 {
		t.Errorf("VerbatimBudget after write = %d, want 25", got)
	}
}

func TestService_ReadThroughCachesMisses(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	svc := NewService(mem)

	// A miss is cached as empty; a direct store write behind the cache's
	// back is not observed until invalidation.
	if v, _ := svc.Get(ctx, KeyDefaultModel); v != "" {
		t.Fatalf("Get = %q, want empty", v)
	}
	mem.SetSetting(ctx, KeyDefaultModel, "anthropic:claude-sonnet-4-20250514")
	if v, _ := svc.Get(ctx, KeyDefaultModel); v != "" {
		t.Errorf("stale read expected while cached, got %q", v)
	}
	svc.Set(ctx, KeyDefaultModel, "anthropic:claude-sonnet-4-20250514")
	if v := svc.DefaultModel(ctx); v != "anthropic:claude-sonnet-4-20250514" {
		t.Errorf("DefaultModel = %q", v)
	}
}
