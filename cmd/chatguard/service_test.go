package main

import (
	"strings"
	"testing"
)

func TestRenderUnit(t *testing.T) {
	unit, err := renderUnit(unitData{
		Mode:        "poll",
		Exec:        "/usr/local/bin/chatguard",
		Config:      "/etc/chatguard/config.yaml",
		WorkDir:     "/srv/chatguard",
		EnvFile:     "/srv/chatguard/.env",
		StopSeconds: 15,
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"ExecStart=/usr/local/bin/chatguard poll --config /etc/chatguard/config.yaml",
		"EnvironmentFile=-/srv/chatguard/.env",
		"TimeoutStopSec=15",
	} {
		if !strings.Contains(unit, want) {
			t.Errorf("unit missing %q:\n%s", want, unit)
		}
	}
}

func TestRenderUnit_NoEnvFile(t *testing.T) {
	unit, err := renderUnit(unitData{Mode: "serve", Exec: "/bin/cg", Config: "c.json", WorkDir: "/"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(unit, "EnvironmentFile") {
		t.Errorf("unexpected EnvironmentFile line:\n%s", unit)
	}
}

func TestRenderUnit_BadMode(t *testing.T) {
	if _, err := renderUnit(unitData{Mode: "gateway"}); err == nil {
		t.Error("expected error for unknown mode")
	}
}
