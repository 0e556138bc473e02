package main

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestRunRequiresTenant(t *testing.T) {
	if err := run([]string{"--event", "task_updated"}); err == nil {
		t.Fatal("run() error = nil, want error for missing --tenant")
	}
}

func TestRunPublishes(t *testing.T) {
	mr := miniredis.RunT(t)
	url := "redis://" + mr.Addr()

	if err := run([]string{"--redis-url", url, "-t", "t1", "-e", "task_updated", "-d", `{"id":1}`}); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if err := run([]string{"--redis-url", url, "-t", "t1", "--raw", "-d", `{"event":"x"}`}); err != nil {
		t.Fatalf("run(--raw) error = %v", err)
	}
}

func TestRunRejectsBadPayload(t *testing.T) {
	mr := miniredis.RunT(t)
	url := "redis://" + mr.Addr()

	if err := run([]string{"--redis-url", url, "-t", "t1", "--raw", "-d", `not json`}); err == nil {
		t.Fatal("run(--raw) error = nil, want error for invalid JSON")
	}
	if err := run([]string{"--redis-url", url, "-t", "a:b", "-e", "x"}); err == nil {
		t.Fatal("run() error = nil, want error for tenant containing ':'")
	}
}

func TestMintToken(t *testing.T) {
	if err := run([]string{"-t", "t1", "--mint-token", "--jwt-key", "k"}); err != nil {
		t.Fatalf("run(--mint-token) error = %v", err)
	}
	if err := run([]string{"-t", "t1", "--mint-token", "--jwt-key", ""}); err == nil {
		t.Fatal("run(--mint-token) error = nil, want error for empty key")
	}
}
