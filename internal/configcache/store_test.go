package configcache

import (
	"context"
	"testing"

	"github.com/lifedeck/lifedeck/internal/gateway"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, ok, err := store.GetConfig(ctx); err != nil || ok {
		t.Fatalf("Expected empty store, got ok=%v err=%v", ok, err)
	}

	cfg := gateway.ConnectionConfig{
		WsURL:      "wss://gw.example/ws",
		Token:      "tok",
		SessionKey: "session-1",
	}
	if err := store.PutConfig(ctx, cfg); err != nil {
		t.Fatalf("PutConfig failed: %v", err)
	}

	got, ok, err := store.GetConfig(ctx)
	if err != nil {
		t.Fatalf("GetConfig failed: %v", err)
	}
	if !ok {
		t.Fatal("Expected stored config to be found")
	}
	if got != cfg {
		t.Errorf("Expected %+v, got %+v", cfg, got)
	}
}

func TestMemoryStoreOverwrite(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.PutConfig(ctx, gateway.ConnectionConfig{WsURL: "wss://old", SessionKey: "s1"})
	store.PutConfig(ctx, gateway.ConnectionConfig{WsURL: "wss://new", SessionKey: "s2"})

	got, ok, _ := store.GetConfig(ctx)
	if !ok || got.WsURL != "wss://new" {
		t.Errorf("Expected latest config to win, got %+v", got)
	}
}

func TestNewStoreWithoutRedisFallsBackToMemory(t *testing.T) {
	store := NewStore(nil)
	if _, ok := store.(*MemoryStore); !ok {
		t.Errorf("Expected memory store when redis is unavailable, got %T", store)
	}
}
