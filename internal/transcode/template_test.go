package transcode

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{`-i url -c copy`, []string{"-i", "url", "-c", "copy"}},
		{`-user_agent 'Plex Media Server'`, []string{"-user_agent", "Plex Media Server"}},
		{`-vf "scale=1280:-1" -f mpegts`, []string{"-vf", "scale=1280:-1", "-f", "mpegts"}},
		{`-metadata title="a \"b\" c"`, []string{"-metadata", `title=a "b" c`}},
		{`a\ b c`, []string{"a b", "c"}},
		{"  -i   url  ", []string{"-i", "url"}},
	}
	for _, tt := range tests {
		got, err := Tokenize(tt.in)
		if err != nil {
			t.Errorf("Tokenize(%q): %v", tt.in, err)
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Tokenize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTokenizeErrors(t *testing.T) {
	for _, in := range []string{`'open`, `"open`, `trailing\`, ``, `   `} {
		if _, err := Tokenize(in); err == nil {
			t.Errorf("Tokenize(%q): expected error", in)
		}
	}
}

func TestExpand(t *testing.T) {
	argv, err := Expand(
		`-user_agent '{user_agent}' -i {input} -t {duration} -c copy -f mpegts pipe:1`,
		"http://up/live/u/p/1001.ts",
		4*time.Hour,
		"Plex/9.0 (Android)",
	)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"-user_agent", "Plex/9.0 (Android)",
		"-i", "http://up/live/u/p/1001.ts",
		"-t", "14400",
		"-c", "copy", "-f", "mpegts", "pipe:1",
	}
	if !reflect.DeepEqual(argv, want) {
		t.Errorf("argv = %q, want %q", argv, want)
	}
}

func TestExpandUnboundedDropsDurationFlag(t *testing.T) {
	argv, err := Expand(`-i {input} -t {duration} -f mpegts pipe:1`, "http://up/1.ts", 0, "ua")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"-i", "http://up/1.ts", "-f", "mpegts", "pipe:1"}
	if !reflect.DeepEqual(argv, want) {
		t.Errorf("argv = %q, want %q", argv, want)
	}
}

func TestExpandHostileUserAgent(t *testing.T) {
	argv, err := Expand(`-user_agent "{user_agent}" -i {input}`, "http://up/1.ts", time.Hour,
		"evil\" -exec 'rm\nstuff'")
	if err != nil {
		t.Fatal(err)
	}
	// Still exactly one token, with quoting characters stripped.
	if len(argv) != 4 {
		t.Fatalf("argv = %q", argv)
	}
	ua := argv[1]
	for _, c := range []string{`"`, `'`, `\`, "\n"} {
		if strings.Contains(ua, c) {
			t.Errorf("user agent token %q still contains %q", ua, c)
		}
	}
}
