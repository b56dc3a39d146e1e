package main

import (
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"
)

func TestClaimPidFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "gitview.pid")
	release, err := claimPidFile(pidFile)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	pid, err := readPidFile(pidFile)
	if err != nil || pid != os.Getpid() {
		t.Fatalf("pid file: %d %v", pid, err)
	}

	_, err = claimPidFile(pidFile)
	if err == nil || !strings.Contains(err.Error(), strconv.Itoa(os.Getpid())) {
		t.Fatalf("second claim should name the running pid, got %v", err)
	}

	release()
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Fatal("pid file was not removed")
	}
	again, err := claimPidFile(pidFile)
	if err != nil {
		t.Fatalf("claim after release: %v", err)
	}
	again()

	noop, err := claimPidFile("")
	if err != nil {
		t.Fatalf("empty path: %v", err)
	}
	noop()
}

func TestDaemonArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want []string
	}{
		{
			name: "drops daemonize",
			args: []string{"serve", "--daemonize", "gitview.toml"},
			want: []string{"serve", "gitview.toml"},
		},
		{
			name: "keeps pid and log files in place",
			args: []string{"serve", "--pidfile", "/tmp/a.pid", "--daemonize", "--logfile=/tmp/a.log", "--config", "c.toml"},
			want: []string{"serve", "--pidfile", "/tmp/a.pid", "--logfile=/tmp/a.log", "--config", "c.toml"},
		},
		{
			name: "equals form",
			args: []string{"serve", "--daemonize=true"},
			want: []string{"serve"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := daemonArgs(tt.args)
			if !slices.Equal(got, tt.want) {
				t.Fatalf("got %v want %v", got, tt.want)
			}
		})
	}
}

func TestIsDaemonChild(t *testing.T) {
	t.Setenv(daemonChildEnv, "")
	if isDaemonChild() {
		t.Fatal("unexpected daemon child")
	}
	t.Setenv(daemonChildEnv, "1")
	if !isDaemonChild() {
		t.Fatal("expected daemon child")
	}
}
