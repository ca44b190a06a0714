package common

import (
	"fmt"
	"os"
	"strings"

	"github.com/ternarybob/banner"
)

// PrintBanner displays the application startup banner to stderr.
func PrintBanner(config *Config, logger *Logger) {
	version := GetVersion()
	commit := GetGitCommit()
	serviceURL := fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)

	lineColor := banner.ColorCyan
	textColor := banner.ColorBold + banner.ColorWhite
	width := 70
	hr := lineColor + strings.Repeat("═", width) + banner.ColorReset

	art := []string{
		`  .d8888b.  8888888b.         d8888 888       888 888      .d88888b. `,
		` d88P  Y88b 888   Y88b       d88888 888   o   888 888     d88P" "Y88b`,
		` 888    888 888    888      d88P888 888  d8b  888 888     888     888`,
		` 888        888   d88P     d88P 888 888 d888b 888 888     888     888`,
		` 888        8888888P"     d88P  888 888d88888b888 888     888     888`,
		` 888    888 888 T88b     d88P   888 88888P Y88888 888     888 Y8b 888`,
		` Y88b  d88P 888  T88b   d8888888888 8888P   Y8888 888     Y88b.Y8b88P`,
		`  "Y8888P"  888   T88b d88P     888 888P     Y888 88888888 "Y888888" `,
	}

	fmt.Fprintf(os.Stderr, "\n%s\n\n", hr)
	for _, line := range art {
		fmt.Fprintf(os.Stderr, "%s%s%s\n", textColor, line, banner.ColorReset)
	}
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  %sversion%s   %s (%s)\n", lineColor, banner.ColorReset, version, commit)
	fmt.Fprintf(os.Stderr, "  %senv%s       %s\n", lineColor, banner.ColorReset, config.Environment)
	fmt.Fprintf(os.Stderr, "  %squeue%s     %s\n", lineColor, banner.ColorReset, config.Queue.Name)
	fmt.Fprintf(os.Stderr, "  %sservice%s   %s\n", lineColor, banner.ColorReset, serviceURL)
	if config.Bus.Enabled() {
		fmt.Fprintf(os.Stderr, "  %sbus%s       configured\n", lineColor, banner.ColorReset)
	}
	fmt.Fprintf(os.Stderr, "\n%s\n\n", hr)
}
