package tts

import "testing"

func TestCleanText(t *testing.T) {
	cases := map[string]string{
		"**Bold** and _italic_":            "Bold and italic",
		"# Heading\nbody":                  "Heading\nbody",
		"See [the docs](http://x.y/z).":    "See the docs.",
		"<b>tag</b> soup":                  "tag soup",
		"| a | b |\n|---|---|\n| 1 | 2 |":  "a   b\n1   2",
		"   ":                              "",
		"`code` stays":                     "code stays",
	}
	for in, want := range cases {
		if got := CleanText(in); got != want {
			t.Errorf("CleanText(%q) = %q, want %q", in, got, want)
		}
	}
}
