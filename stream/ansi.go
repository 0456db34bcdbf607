package stream

import "regexp"

var ansiColors = regexp.MustCompile("\x1b\\[[0-9;]*m")

// StripANSIColors removes terminal color escape sequences from s.
func StripANSIColors(s string) string {
	return ansiColors.ReplaceAllString(s, "")
}
