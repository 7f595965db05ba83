package ui

import "fmt"

// ANSI256 color codes matching the Ayu palette.
const (
	colorAccent = 74  // blue
	colorKey    = 250 // light gray
	colorMuted  = 245 // medium gray
	colorWarn   = 179 // amber
)

var noColor bool

func render(code int, s string) string {
	if noColor {
		return s
	}
	return fmt.Sprintf("\x1b[38;5;%dm%s\x1b[0m", code, s)
}

// RenderAccent styles message types and target ids.
func RenderAccent(s string) string { return render(colorAccent, s) }

// RenderMuted styles timestamps and provenance.
func RenderMuted(s string) string { return render(colorMuted, s) }

// RenderKey styles payload field names.
func RenderKey(s string) string { return render(colorKey, s) }

// RenderWarn styles store errors and disconnect notices.
func RenderWarn(s string) string { return render(colorWarn, s) }

// SetColor enables or disables color output globally.
func SetColor(enabled bool) {
	noColor = !enabled
}
