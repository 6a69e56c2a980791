package tts

import (
	"regexp"
	"strings"
)

var (
	htmlTagRegex        = regexp.MustCompile(`<[^>]*>`)
	tableSeparatorRegex = regexp.MustCompile(`^\s*\|\s*[-=:\s|]+\|\s*$`)
	markdownLinkRegex   = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	markdownReplacer    = strings.NewReplacer(
		"*", "",
		"#", "",
		"_", "",
		"~", "",
		"`", "",
		"[", "",
		"]", "",
	)
)

// CleanText strips markdown and HTML that a speech engine would read aloud.
func CleanText(text string) string {
	text = markdownLinkRegex.ReplaceAllString(text, "$1")
	text = markdownReplacer.Replace(text)
	text = htmlTagRegex.ReplaceAllString(text, "")

	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if tableSeparatorRegex.MatchString(line) {
			continue
		}
		line = strings.TrimSpace(strings.ReplaceAll(line, "|", " "))
		if line == "" {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
