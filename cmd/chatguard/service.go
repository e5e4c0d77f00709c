package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"text/template"

	"github.com/spf13/cobra"
)

const serviceName = "chatguard"

var unitTemplate = template.Must(template.New("unit").Option("missingkey=error").Parse(`[Unit]
Description=chatguard Telegram moderator ({{.Mode}})
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
WorkingDirectory={{.WorkDir}}
{{- if .EnvFile}}
EnvironmentFile=-{{.EnvFile}}
{{- end}}
ExecStart={{.Exec}} {{.Mode}} --config {{.Config}}
Restart=on-failure
RestartSec=5
KillSignal=SIGTERM
TimeoutStopSec={{.StopSeconds}}

[Install]
WantedBy=default.target
`))

type unitData struct {
	Mode        string // serve | poll
	Exec        string
	Config      string
	WorkDir     string
	EnvFile     string
	StopSeconds int
}

func renderUnit(d unitData) (string, error) {
	if d.Mode != "serve" && d.Mode != "poll" {
		return "", fmt.Errorf("unknown mode %q (want serve or poll)", d.Mode)
	}
	var buf bytes.Buffer
	if err := unitTemplate.Execute(&buf, d); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func unitPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "systemd", "user", serviceName+".service"), nil
}

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the systemd user service",
	}

	var mode string
	install := &cobra.Command{
		Use:   "install",
		Short: "Install chatguard as a systemd user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runtime.GOOS != "linux" {
				return fmt.Errorf("unsupported OS: %s (systemd only)", runtime.GOOS)
			}
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			cfgPath, err := filepath.Abs(resolveConfigPath())
			if err != nil {
				return err
			}

			d := unitData{
				Mode:        mode,
				Exec:        execPath,
				Config:      cfgPath,
				WorkDir:     wd,
				StopSeconds: 15,
			}
			if _, err := os.Stat(filepath.Join(wd, ".env")); err == nil {
				d.EnvFile = filepath.Join(wd, ".env")
			}
			unit, err := renderUnit(d)
			if err != nil {
				return err
			}

			path, err := unitPath()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(unit), 0o644); err != nil {
				return err
			}

			fmt.Printf("Service installed: %s\n", path)
			fmt.Printf("To start:  systemctl --user daemon-reload && systemctl --user start %s\n", serviceName)
			fmt.Printf("To enable: systemctl --user enable %s\n", serviceName)
			return nil
		},
	}
	install.Flags().StringVar(&mode, "mode", "serve", "ingress mode: serve (webhook) or poll")
	cmd.AddCommand(install)

	cmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the systemd user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := unitPath()
			if err != nil {
				return err
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove unit: %w", err)
			}
			fmt.Printf("Service uninstalled: %s\n", path)
			return nil
		},
	})

	return cmd
}
