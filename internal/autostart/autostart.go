// Package autostart registers keyrelay to start when the user logs in.
package autostart

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"
)

// Label names the login item on every platform.
const Label = "keyrelay"

// ErrUnsupported is returned on platforms without a login item mechanism.
var ErrUnsupported = errors.New("autostart: unsupported platform")

const macLaunchAgentPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>systems.keyrelay.agent</string>
    <key>ProgramArguments</key>
    <array>
{{- range .Command}}
        <string>{{.}}</string>
{{- end}}
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <false/>
</dict>
</plist>
`

const xdgDesktopEntry = `[Desktop Entry]
Type=Application
Name=keyrelay
Comment=Action sequence relay
Exec={{.Exec}}
Terminal=false
X-GNOME-Autostart-enabled=true
`

// Agent describes the login item for one executable.
type Agent struct {
	Executable string
	Args       []string

	goos       string
	home       string
	configHome string
}

// New describes the running executable started with args.
func New(args ...string) (*Agent, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("autostart: locate executable: %w", err)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("autostart: locate home: %w", err)
	}
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		configHome = filepath.Join(home, ".config")
	}
	return &Agent{Executable: exe, Args: args, goos: runtime.GOOS, home: home, configHome: configHome}, nil
}

// Command is the argv the login item runs.
func (a *Agent) Command() []string {
	return append([]string{a.Executable}, a.Args...)
}

// Location describes where the login item lives: a file path, or a registry
// value on Windows.
func (a *Agent) Location() (string, error) {
	switch a.goos {
	case "darwin":
		return filepath.Join(a.home, "Library", "LaunchAgents", "systems.keyrelay.agent.plist"), nil
	case "windows":
		return `HKCU\` + runKeyPath + `\` + Label, nil
	case "linux", "freebsd", "openbsd", "netbsd":
		return filepath.Join(a.configHome, "autostart", Label+".desktop"), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupported, a.goos)
	}
}

// Enable installs the login item, replacing any previous one.
func (a *Agent) Enable() error {
	if a.goos == "windows" {
		return setRunValue(Label, a.windowsCommand())
	}
	path, err := a.Location()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("autostart: %w", err)
	}
	body, err := a.render()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return fmt.Errorf("autostart: %w", err)
	}
	return nil
}

// Disable removes the login item. Removing an absent item is not an error.
func (a *Agent) Disable() error {
	if a.goos == "windows" {
		return deleteRunValue(Label)
	}
	path, err := a.Location()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("autostart: %w", err)
	}
	return nil
}

// Enabled reports whether the login item is installed.
func (a *Agent) Enabled() bool {
	if a.goos == "windows" {
		return hasRunValue(Label)
	}
	path, err := a.Location()
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

func (a *Agent) render() (string, error) {
	var (
		tmpl *template.Template
		data any
	)
	switch a.goos {
	case "darwin":
		tmpl = template.Must(template.New("plist").Parse(macLaunchAgentPlist))
		data = struct{ Command []string }{a.Command()}
	default:
		tmpl = template.Must(template.New("desktop").Parse(xdgDesktopEntry))
		data = struct{ Exec string }{a.desktopExec()}
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("autostart: render: %w", err)
	}
	return b.String(), nil
}

// desktopExec quotes each argument per the desktop entry Exec rules.
func (a *Agent) desktopExec() string {
	parts := a.Command()
	for i, p := range parts {
		if strings.ContainsAny(p, " \t\"'\\$`") {
			r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "`", "\\`", `$`, `\$`)
			parts[i] = `"` + r.Replace(p) + `"`
		}
	}
	return strings.Join(parts, " ")
}

func (a *Agent) windowsCommand() string {
	parts := a.Command()
	for i, p := range parts {
		if p == "" || strings.ContainsAny(p, " \t\"") {
			parts[i] = `"` + strings.ReplaceAll(p, `"`, `\"`) + `"`
		}
	}
	return strings.Join(parts, " ")
}
