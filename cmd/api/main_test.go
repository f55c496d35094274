package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"canopy/api/internal/auth"
	"canopy/api/internal/config"
	"canopy/api/internal/logging"
)

func TestTokenCommandIssuesVerifiableToken(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"token", "--user", "user-1", "--name", "Avery", "--secret", "s3cret", "--ttl", "1h"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	claims, err := auth.ParseToken([]byte("s3cret"), strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Subject != "user-1" || claims.Name != "Avery" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestTokenCommandRequiresIdentity(t *testing.T) {
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"token", "--user", "", "--name", ""})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected an error without --user and --name")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	serveCfg := config.Config{
		Addr:               "127.0.0.1:0",
		LockStore:          config.LockStoreMemory,
		AllowAllWorkspaces: true,
		JWTSecret:          "secret",
		CORSOrigin:         "*",
		LockTTL:            30 * time.Second,
		ReaperInterval:     time.Second,
		SessionSweep:       time.Second,
		SessionStaleness:   time.Minute,
		CursorRate:         20,
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, serveCfg, logging.Discard()) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runServe() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runServe did not stop after cancel")
	}
}

func TestServeRejectsUnknownLockStore(t *testing.T) {
	serveCfg := config.Config{LockStore: "etcd", AllowAllWorkspaces: true}
	if err := runServe(context.Background(), serveCfg, logging.Discard()); err == nil {
		t.Fatal("expected an error for an unknown lock store")
	}
}

func TestServeRefusesOrphanReclaimWithRedis(t *testing.T) {
	serveCfg := config.Config{LockStore: config.LockStoreRedis, RedisURL: "redis://127.0.0.1:1/0", AllowAllWorkspaces: true, ReclaimOrphanedLocks: true}
	err := runServe(context.Background(), serveCfg, logging.Discard())
	if err == nil || !strings.Contains(err.Error(), "orphan reclaim") {
		t.Fatalf("runServe() error = %v, want orphan reclaim refusal", err)
	}
}
