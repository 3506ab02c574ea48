package display

import (
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/term"
)

const defaultWidth = 80

func termWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	return defaultWidth
}

// Bar renders a single-line progress bar for done out of total bytes,
// sized to the current terminal width.
func Bar(label string, done, total int64) string {
	width := termWidth()
	barWidth := width - len(label) - 24
	if barWidth < 10 {
		barWidth = 10
	}

	ratio := 0.0
	if total > 0 {
		ratio = float64(done) / float64(total)
		if ratio > 1 {
			ratio = 1
		}
	}
	filled := int(ratio * float64(barWidth))
	bar := barFill.Render(strings.Repeat("=", filled)) + barEmpty.Render(strings.Repeat(" ", barWidth-filled))

	pct := ratio * 100
	return fmt.Sprintf("%s [%s] %5.1f%%", label, bar, pct)
}

// Speed formats a byte rate observed over elapsed time.
func Speed(bytes int64, elapsed time.Duration) string {
	if elapsed <= 0 {
		return Stat("-- MB/s")
	}
	mbps := float64(bytes) / elapsed.Seconds() / (1024 * 1024)
	return Stat(fmt.Sprintf("%.2f MB/s", mbps))
}
