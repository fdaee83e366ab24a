package profile

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/matheus3301/huddle/internal/config"
)

func TestPaths(t *testing.T) {
	base := t.TempDir()
	t.Setenv(HomeEnv, base)

	tests := []struct {
		got, want string
	}{
		{Dir("main"), filepath.Join(base, "profiles", "main")},
		{SocketPath("coach"), filepath.Join(base, "profiles", "coach", "daemon.sock")},
		{LockPath("coach"), filepath.Join(base, "profiles", "coach", "LOCK")},
		{DBPath("coach"), filepath.Join(base, "profiles", "coach", "huddle.db")},
		{LogPath("coach"), filepath.Join(base, "profiles", "coach", "logs", "huddled.log")},
		{ConfigPath(), filepath.Join(base, "config.toml")},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestDefaultBaseDir(t *testing.T) {
	t.Setenv(HomeEnv, "")
	home, _ := os.UserHomeDir()
	if got, want := BaseDir(), filepath.Join(home, ".huddle"); got != want {
		t.Errorf("BaseDir() = %q, want %q", got, want)
	}
}

func TestEnsureDirAndList(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())
	for _, name := range []string{"main", "athlete"} {
		if err := EnsureDir(name); err != nil {
			t.Fatal(err)
		}
	}
	info, err := os.Stat(LogDir("main"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("log dir permission = %o, want 0700", perm)
	}
	if err := os.MkdirAll(filepath.Join(BaseDir(), "profiles", "Bad Name"), 0700); err != nil {
		t.Fatal(err)
	}

	names, err := List()
	if err != nil {
		t.Fatal(err)
	}
	slices.Sort(names)
	if !slices.Equal(names, []string{"athlete", "main"}) {
		t.Errorf("List() = %v", names)
	}
}

func TestResolve(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())
	if got := Resolve(""); got != DefaultName {
		t.Errorf("Resolve without config = %q", got)
	}
	cfg := config.Default()
	cfg.DefaultProfile = "coach"
	if err := config.Save(ConfigPath(), cfg); err != nil {
		t.Fatal(err)
	}
	if got := Resolve(""); got != "coach" {
		t.Errorf("Resolve from config = %q", got)
	}
	if got := Resolve("athlete"); got != "athlete" {
		t.Errorf("Resolve with flag = %q", got)
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "main", false},
		{"valid with numbers", "coach123", false},
		{"valid with hyphen", "my-team", false},
		{"valid with underscore", "my_team", false},
		{"valid single char", "a", false},
		{"valid max length", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", false},
		{"empty", "", true},
		{"uppercase", "Main", true},
		{"space", "my team", true},
		{"dot", "my.team", true},
		{"too long", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", true},
		{"slash", "my/team", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}
