package client

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSettingsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.yaml")

	want := &Settings{ServerAddr: "chat.example.com:5555", Username: "alice"}
	if err := want.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got := LoadSettings(path)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("settings mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadSettingsDefaults(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		got := LoadSettings(filepath.Join(dir, "absent.yaml"))
		if diff := cmp.Diff(DefaultSettings(), got); diff != "" {
			t.Fatalf("expected defaults (-want +got):\n%s", diff)
		}
	})

	t.Run("corrupt file", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		if err := os.WriteFile(path, []byte("server_addr: [unterminated"), 0o600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		got := LoadSettings(path)
		if diff := cmp.Diff(DefaultSettings(), got); diff != "" {
			t.Fatalf("expected defaults (-want +got):\n%s", diff)
		}
	})

	t.Run("partial file keeps defaults", func(t *testing.T) {
		path := filepath.Join(dir, "partial.yaml")
		if err := os.WriteFile(path, []byte("username: bob\n"), 0o600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		want := &Settings{ServerAddr: "127.0.0.1:5555", Username: "bob"}
		if diff := cmp.Diff(want, LoadSettings(path)); diff != "" {
			t.Fatalf("settings mismatch (-want +got):\n%s", diff)
		}
	})
}
