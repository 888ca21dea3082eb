package main

import "testing"

func TestDefaultHomeDir(t *testing.T) {
	t.Setenv("GOCLAW_HOME", "/tmp/goclaw-agent-test-home")
	if got := defaultHomeDir(); got != "/tmp/goclaw-agent-test-home" {
		t.Fatalf("defaultHomeDir() = %q, want override from GOCLAW_HOME", got)
	}
}
