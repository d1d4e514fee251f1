package agent

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ANSI color codes for terminal styling.
const (
	ansiReset = "\033[0m"
	ansiBold  = "\033[1m"
	ansiCyan  = "\033[96m"
)

type welcomeBannerOptions struct {
	Version  string
	Provider string
	Model    string
}

func printWelcomeBanner(w io.Writer, opts welcomeBannerOptions) {
	width := terminalWidth(w)
	useANSI := isTerminalWriter(w)

	logo := []string{
		`                    _     _`,
		`  ___ ___  _ ____ _(_) __| |`,
		` / __/ _ \| '__\ \ / / |/ _' |`,
		`| (_| (_) | |   \ V /| | (_| |`,
		` \___\___/|_|    \_/ |_|\__,_|`,
	}

	fmt.Fprintln(w)
	for _, line := range logo {
		fmt.Fprintln(w, center(style(line, ansiCyan, useANSI), width))
	}
	fmt.Fprintln(w)

	if version := strings.TrimSpace(opts.Version); version != "" {
		fmt.Fprintln(w, center(fmt.Sprintf("Version: %s", version), width))
	}
	provider := strings.TrimSpace(opts.Provider)
	if provider == "" {
		provider = "anthropic"
	}
	line := fmt.Sprintf("Provider: %s", provider)
	if model := strings.TrimSpace(opts.Model); model != "" {
		line += fmt.Sprintf("  Model: %s", model)
	}
	fmt.Fprintln(w, center(line, width))
	fmt.Fprintln(w, center(style("Type 'help' for commands.", ansiBold, useANSI), width))
	fmt.Fprintln(w)
}

func isTerminalWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return 0
	}
	return width
}

func style(text string, code string, enabled bool) string {
	if !enabled {
		return text
	}
	return code + text + ansiReset
}

func center(text string, width int) string {
	// Non-interactive outputs report no width; left-align there.
	pad := (width - visibleLen(text)) / 2
	if pad <= 0 {
		return text
	}
	return strings.Repeat(" ", pad) + text
}

// visibleLen ignores ANSI escape sequences when measuring.
func visibleLen(s string) int {
	n := 0
	inEscape := false
	for _, r := range s {
		switch {
		case inEscape:
			if r == 'm' {
				inEscape = false
			}
		case r == '\033':
			inEscape = true
		default:
			n++
		}
	}
	return n
}
