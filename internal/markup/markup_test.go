package markup

import "testing"

func TestExtractTitle(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		wantTitle string
		wantRest  string
		wantOK    bool
	}{
		{
			name:      "directive",
			in:        "TITLE: Trip Planning\nHere is your itinerary...",
			wantTitle: "Trip Planning",
			wantRest:  "Here is your itinerary...",
			wantOK:    true,
		},
		{
			name:      "blank line after directive",
			in:        "TITLE: Tea\n\nSteep for three minutes.",
			wantTitle: "Tea",
			wantRest:  "Steep for three minutes.",
			wantOK:    true,
		},
		{
			name:      "trailing spaces trimmed",
			in:        "TITLE:   Go Tips   \nbody",
			wantTitle: "Go Tips",
			wantRest:  "body",
			wantOK:    true,
		},
		{
			name:      "crlf line ending",
			in:        "TITLE: Tea\r\nSteep it.",
			wantTitle: "Tea",
			wantRest:  "Steep it.",
			wantOK:    true,
		},
		{name: "empty directive line", in: "TITLE:\nFoo\nbody", wantRest: "TITLE:\nFoo\nbody"},
		{name: "blank directive line", in: "TITLE:   \nFoo\nbody", wantRest: "TITLE:   \nFoo\nbody"},
		{name: "incomplete line", in: "TITLE: Trip Pla", wantRest: "TITLE: Trip Pla"},
		{name: "no directive", in: "Hello there\n", wantRest: "Hello there\n"},
		{name: "not at start", in: "x TITLE: no\n", wantRest: "x TITLE: no\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			title, rest, ok := ExtractTitle(tt.in)
			if ok != tt.wantOK || title != tt.wantTitle || rest != tt.wantRest {
				t.Errorf("ExtractTitle(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.in, title, rest, ok, tt.wantTitle, tt.wantRest, tt.wantOK)
			}
		})
	}
}

func TestHasTitlePrefix(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"", true},
		{"TIT", true},
		{"TITLE:", true},
		{"TITLE: Partial", true},
		{"TITLE: Done\nbody", false},
		{"Hello", false},
		{"T", true},
		{"Tea is", false},
	}
	for _, tt := range tests {
		if got := HasTitlePrefix(tt.in); got != tt.want {
			t.Errorf("HasTitlePrefix(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestStripTitle(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"TITLE: X\nbody", "body"},
		{"TITLE: only a title", ""},
		{"no title", "no title"},
	}
	for _, tt := range tests {
		if got := StripTitle(tt.in); got != tt.want {
			t.Errorf("StripTitle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCodeBlocks(t *testing.T) {
	got := CodeBlocks("```js\nconsole.log(1)\n```")
	if len(got) != 1 {
		t.Fatalf("CodeBlocks() len = %d, want 1", len(got))
	}
	if got[0].Language != "js" || got[0].Code != "console.log(1)" {
		t.Errorf("CodeBlocks() = %+v", got[0])
	}
}

func TestCodeBlocks_DefaultLanguageAndMultiple(t *testing.T) {
	src := "Intro\n\n```\nplain text\n```\n\nThen:\n\n```go\nfunc main() {\n\tprintln(1)\n}\n```\n"
	got := CodeBlocks(src)
	if len(got) != 2 {
		t.Fatalf("CodeBlocks() len = %d, want 2", len(got))
	}
	if got[0].Language != "text" || got[0].Code != "plain text" {
		t.Errorf("block 0 = %+v", got[0])
	}
	if got[1].Language != "go" || got[1].Code != "func main() {\n\tprintln(1)\n}" {
		t.Errorf("block 1 = %+v", got[1])
	}
}

func TestCodeBlocks_None(t *testing.T) {
	if got := CodeBlocks("just prose with `inline` code"); len(got) != 0 {
		t.Errorf("CodeBlocks() = %+v, want none", got)
	}
}
