package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/DMShort/DadLink/store"
)

func TestRunCLIUnknownCommandFallsThrough(t *testing.T) {
	if RunCLI([]string{"-addr"}, "ignored.db") {
		t.Fatal("flags must not be treated as subcommands")
	}
	if RunCLI(nil, "ignored.db") {
		t.Fatal("empty args must fall through to serve mode")
	}
}

func TestCLIVersion(t *testing.T) {
	if !RunCLI([]string{"version"}, "ignored.db") {
		t.Fatal("version must be handled")
	}
}

func TestCLIStatusAndUsers(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cli.db")

	if !RunCLI([]string{"users", "add", "alice", "secret1"}, dbPath) {
		t.Fatal("users add must be handled")
	}

	st, err := store.New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if n, _ := st.UserCount(); n != 1 {
		t.Fatalf("users = %d, want 1", n)
	}
	id, err := st.Authenticate(context.Background(), "alice", "secret1")
	if err != nil || id.Username != "alice" {
		t.Fatalf("authenticate after CLI add: %+v, %v", id, err)
	}
	st.Close()

	if !RunCLI([]string{"users", "list"}, dbPath) {
		t.Fatal("users list must be handled")
	}
	if !RunCLI([]string{"status"}, dbPath) {
		t.Fatal("status must be handled")
	}
}

func TestCLIChannels(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cli.db")

	if !RunCLI([]string{"channels", "add", "ops", "war room"}, dbPath) {
		t.Fatal("channels add must be handled")
	}
	if !RunCLI([]string{"channels", "list"}, dbPath) {
		t.Fatal("channels list must be handled")
	}

	st, err := store.New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	chs, err := st.Channels()
	if err != nil || len(chs) != 1 || chs[0].Name != "ops" {
		t.Fatalf("channels = %+v, %v", chs, err)
	}
}

func TestCLIBackup(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "cli.db")
	dest := filepath.Join(dir, "backup.db")

	RunCLI([]string{"users", "add", "alice", "secret1"}, dbPath)
	if !RunCLI([]string{"backup", dest}, dbPath) {
		t.Fatal("backup must be handled")
	}

	st, err := store.New(dest)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if n, _ := st.UserCount(); n != 1 {
		t.Fatalf("restored users = %d, want 1", n)
	}
}
