package util

import (
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/pasoproxy/paso/pkg/container"
)

/*
   references:
   - https://no-color.org/
   - https://github.com/sitkevij/no_color
*/

// IsTerminal checks if stdout is a terminal using go-isatty
func IsTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd())
}

// ShouldUseColors determines if coloured output should be used
func ShouldUseColors() bool {
	if noColor := os.Getenv("NO_COLOR"); noColor != "" {
		return false
	}

	if forceColor := os.Getenv("FORCE_COLOR"); forceColor != "" {
		return forceColor != "0"
	}

	if pasoColors := os.Getenv("PASO_FORCE_COLORS"); pasoColors != "" {
		return strings.ToLower(pasoColors) == "true"
	}

	// Container logs usually end up in collectors that choke on ANSI codes,
	// even when a TTY is attached
	if container.IsContainerised() {
		return false
	}

	return IsTerminal()
}
