package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGroupIDArg(t *testing.T) {
	if id, err := groupIDArg([]string{"update", "7"}, 1); err != nil || id != 7 {
		t.Fatalf("unexpected result: %d %v", id, err)
	}
	if _, err := groupIDArg([]string{"update", "x"}, 1); err == nil {
		t.Fatalf("expected error for non numeric id")
	}
	if _, err := groupIDArg([]string{"import", "1"}, 2); err == nil {
		t.Fatalf("expected error for missing file argument")
	}
}

func TestRunParse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.txt")
	body := "trojan://secret@t.example.com:443#B\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write file failed: %v", err)
	}
	var out bytes.Buffer
	if err := run(context.Background(), []string{"parse", path}, &out); err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "t.example.com:443") || !strings.Contains(text, "trojan-") {
		t.Fatalf("unexpected output: %s", text)
	}
}

func TestRunGroupLifecycle(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")
	if err := os.WriteFile(configPath, []byte(`{"database":"`+filepath.ToSlash(filepath.Join(dir, "db.sqlite"))+`"}`), 0o600); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	nodes := filepath.Join(dir, "nodes.txt")
	if err := os.WriteFile(nodes, []byte("trojan://secret@t.example.com:443#B\n"), 0o600); err != nil {
		t.Fatalf("write nodes failed: %v", err)
	}
	ctx := context.Background()
	var out bytes.Buffer
	if err := run(ctx, []string{"-c", configPath, "group", "add", "local"}, &out); err != nil {
		t.Fatalf("group add failed: %v", err)
	}
	if err := run(ctx, []string{"-c", configPath, "import", "1", nodes}, &out); err != nil {
		t.Fatalf("import failed: %v", err)
	}
	out.Reset()
	if err := run(ctx, []string{"-c", configPath, "list", "1"}, &out); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(out.String(), "B") || !strings.Contains(out.String(), "trojan") {
		t.Fatalf("unexpected list output: %s", out.String())
	}
}
