// Package wizard implements the interactive `setup` subcommand: a short
// huh form that builds a starter YAML config for one of the four CLI
// roles and writes it to disk.
package wizard

import (
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/relaywire/meshsocks/internal/config"
)

var (
	bannerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// Result is the wizard's output: the built config and the path it was
// written to.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Wizard runs the interactive setup form.
type Wizard struct{}

// New creates a setup wizard.
func New() *Wizard {
	return &Wizard{}
}

// Run walks the user through role selection and the fields that role
// needs, then writes the resulting config to disk.
func (w *Wizard) Run() (*Result, error) {
	printBanner()

	var (
		role       string
		token      string
		wsHost     = "127.0.0.1"
		wsPortStr  = "8765"
		socksHost  = "127.0.0.1"
		socksPort  = "1080"
		fastOpen   bool
		threadsStr = "1"
		configPath = "meshsocks.yaml"
	)

	roleGroup := huh.NewGroup(
		huh.NewSelect[string]().
			Title("Role").
			Description("Which side of the link is this process?").
			Options(
				huh.NewOption("server — central relay", "server"),
				huh.NewOption("client — forward-mode SOCKS5 exit", "client"),
				huh.NewOption("provider — reverse-mode dial-out exit", "provider"),
				huh.NewOption("connector — agent-mode relay hop", "connector"),
			).
			Value(&role),
	)

	linkGroup := huh.NewGroup(
		huh.NewInput().Title("Token").Description("Shared secret for this role").
			EchoMode(huh.EchoModePassword).Value(&token),
		huh.NewInput().Title("Server host").Value(&wsHost),
		huh.NewInput().Title("Server port").Value(&wsPortStr).
			Validate(validatePort),
	)

	socksGroup := huh.NewGroup(
		huh.NewInput().Title("SOCKS5 bind host").Value(&socksHost),
		huh.NewInput().Title("SOCKS5 bind port").Value(&socksPort).
			Validate(validatePort),
		huh.NewConfirm().Title("Enable fast-open").
			Description("Start relaying before the peer's dial confirms").
			Value(&fastOpen),
		huh.NewInput().Title("Parallel sessions (threads)").Value(&threadsStr).
			Validate(validatePositiveInt),
	)

	outputGroup := huh.NewGroup(
		huh.NewInput().Title("Write config to").Value(&configPath),
	)

	form := huh.NewForm(roleGroup, linkGroup, socksGroup, outputGroup)
	if err := form.Run(); err != nil {
		return nil, fmt.Errorf("wizard: %w", err)
	}

	wsPort, _ := strconv.Atoi(wsPortStr)
	sPort, _ := strconv.Atoi(socksPort)
	threads, _ := strconv.Atoi(threadsStr)

	cfg := config.Default()
	cfg.Role = config.Role(role)
	cfg.Token = token
	cfg.WSHost = wsHost
	cfg.WSPort = wsPort
	cfg.SocksHost = socksHost
	cfg.SocksPort = sPort
	cfg.FastOpen = fastOpen
	cfg.Threads = threads
	if role == "provider" {
		cfg.Reverse = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("wizard: built an invalid config: %w", err)
	}

	if fileExists(configPath) {
		overwrite := false
		confirmGroup := huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("%s already exists. Overwrite?", configPath)).
				Value(&overwrite),
		)
		if err := huh.NewForm(confirmGroup).Run(); err != nil {
			return nil, fmt.Errorf("wizard: %w", err)
		}
		if !overwrite {
			return nil, fmt.Errorf("wizard: not overwriting %s", configPath)
		}
	}

	if err := config.Save(cfg, configPath); err != nil {
		return nil, fmt.Errorf("wizard: write config: %w", err)
	}

	printSummary(cfg, configPath)
	return &Result{Config: cfg, ConfigPath: configPath}, nil
}

func printBanner() {
	fmt.Println(bannerStyle.Render("meshsocks setup"))
	fmt.Println(labelStyle.Render("A few questions, then a config file."))
	fmt.Println()
}

func printSummary(cfg *config.Config, path string) {
	fmt.Println()
	fmt.Println(bannerStyle.Render("Done"))
	fmt.Printf("%s %s\n", labelStyle.Render("role:"), cfg.Role)
	fmt.Printf("%s %s\n", labelStyle.Render("config:"), path)
	fmt.Println(labelStyle.Render(cfg.String()))
}

func validatePort(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("must be a number")
	}
	if n <= 0 || n > 65535 {
		return fmt.Errorf("must be between 1 and 65535")
	}
	return nil
}

func validatePositiveInt(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return fmt.Errorf("must be a positive integer")
	}
	return nil
}

// fileExists reports whether path names an existing, readable file, used
// to warn before an accidental overwrite.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
