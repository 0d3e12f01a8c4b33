package version

import (
	"fmt"
	"log"
	"strings"

	"github.com/pasoproxy/paso/theme"
)

var (
	Name        = "paso"
	Description = "The Mountain Pass for your LLMs"
	Version     = "v0.0.1"
	Commit      = "none"
	Date        = "nowish"
	User        = "local"
)

const (
	GithubHomeText  = "github.com/pasoproxy/paso"
	GithubHomeUri   = "https://github.com/pasoproxy/paso"
	GithubLatestUri = "https://github.com/pasoproxy/paso/releases/latest"
)

func PrintVersionInfo(extendedInfo bool, vlog *log.Logger) {
	githubUri := theme.Hyperlink(GithubHomeUri, GithubHomeText)
	latestUri := theme.Hyperlink(GithubLatestUri, Version)
	padBuffer := fmt.Sprintf("%*s", 2, "")

	var b strings.Builder

	b.WriteString(theme.ColourSplash(`
╔──────────────────────────────────────────────────╗
│  ██████╗  █████╗ ███████╗ ██████╗      /\        │
│  ██╔══██╗██╔══██╗██╔════╝██╔═══██╗    /  \/\     │
│  ██████╔╝███████║███████╗██║   ██║   / /\ \ \    │
│  ██╔═══╝ ██╔══██║╚════██║██║   ██║  / /  \/\ \   │
│  ██║     ██║  ██║███████║╚██████╔╝ /_/    \ \_\  │
│  ╚═╝     ╚═╝  ╚═╝╚══════╝ ╚═════╝          \/    │` + "\n"))

	b.WriteString(theme.ColourSplash("│ "))
	b.WriteString(theme.StyleUrl(githubUri))
	b.WriteString(padBuffer)
	b.WriteString(theme.ColourVersion(latestUri))
	b.WriteString(theme.ColourSplash("  │\n"))
	b.WriteString(theme.ColourSplash("╚──────────────────────────────────────────────────╝"))

	if extendedInfo {
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf(" Commit: %s\n", Commit))
		b.WriteString(fmt.Sprintf("  Built: %s\n", Date))
		b.WriteString(fmt.Sprintf("  Using: %s\n", User))
	}

	vlog.Println(b.String())
}
