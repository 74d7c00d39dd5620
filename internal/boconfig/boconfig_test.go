package boconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAbsentFileYieldsEmptyConfig(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Workdirs) != 0 {
		t.Fatalf("expected empty workdirs, got %v", cfg.Workdirs)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	cfg := &Config{
		BoVersion: "1.0",
		Workdirs: map[string]WorkdirConfig{
			"/home/user/project": {
				Servers: map[string]ServerTarget{
					"sync": {Host: "example.com", Port: DefaultPort, TargetDir: "/srv/project"},
				},
				Commands: map[string][]string{"build": {"make", "all"}},
			},
		},
	}
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	wd := got.Workdirs["/home/user/project"]
	if wd.Servers["sync"].Host != "example.com" {
		t.Fatalf("got %+v", wd)
	}
	if wd.Commands["build"][1] != "all" {
		t.Fatalf("got %+v", wd.Commands)
	}
}

func TestLoadOverrideRejectsUnknownField(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".bo.jsonc")
	content := `{
  // local workspace override
  "send_buffer_sizee": 4096
}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOverride(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadOverrideAbsentFile(t *testing.T) {
	ov, err := LoadOverride(filepath.Join(t.TempDir(), "missing.jsonc"))
	if err != nil {
		t.Fatal(err)
	}
	if ov.SendBufferSize != 0 {
		t.Fatalf("expected zero value, got %+v", ov)
	}
}
