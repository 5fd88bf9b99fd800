package guid

import (
	"strings"
	"testing"
)

func TestNewUnique(t *testing.T) {
	seen := make(map[GUID]bool)
	for i := 0; i < 1000; i++ {
		g := New()
		if g.Empty() {
			t.Fatal("generated empty guid")
		}
		if seen[g] {
			t.Fatalf("duplicate guid: %s", g)
		}
		seen[g] = true
	}
}

func TestParseRoundTrip(t *testing.T) {
	g := New()
	parsed, err := Parse(g.String())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed != g {
		t.Errorf("round trip mismatch: %s != %s", parsed, g)
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	for _, s := range []string{"", "abcd", strings.Repeat("g", 32), strings.Repeat("a", 33)} {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", s)
		}
	}
}

func TestOfContentStable(t *testing.T) {
	body := "From: a@example.com\r\n\r\nhello world\r\n"

	g1, err := OfContent(strings.NewReader(body))
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	g2, err := OfContent(strings.NewReader(body))
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if g1 != g2 {
		t.Error("same content produced different guids")
	}

	g3, _ := OfContent(strings.NewReader(body + "x"))
	if g1 == g3 {
		t.Error("different content produced same guid")
	}
}

func TestHeaderHashIgnoresUnlistedHeaders(t *testing.T) {
	msg1 := "Date: Mon, 1 Jan 2024 00:00:00 +0000\r\n" +
		"Message-ID: <1@example.com>\r\n" +
		"Subject: hi\r\n" +
		"X-Spam-Score: 5\r\n" +
		"\r\nbody\r\n"
	msg2 := "Date: Mon, 1 Jan 2024 00:00:00 +0000\r\n" +
		"Message-ID: <1@example.com>\r\n" +
		"Subject: hi\r\n" +
		"X-Spam-Score: 99\r\n" +
		"\r\nother body\r\n"

	h1, err := HeaderHash(strings.NewReader(msg1))
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	h2, err := HeaderHash(strings.NewReader(msg2))
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if h1 != h2 {
		t.Error("unlisted header changed the hash")
	}
}

func TestHeaderHashSensitiveToListedHeaders(t *testing.T) {
	msg1 := "Subject: hi\r\n\r\n"
	msg2 := "Subject: bye\r\n\r\n"

	h1, _ := HeaderHash(strings.NewReader(msg1))
	h2, _ := HeaderHash(strings.NewReader(msg2))
	if h1 == h2 {
		t.Error("subject change did not change the hash")
	}
}

func TestHeaderHashFoldedHeader(t *testing.T) {
	folded := "Subject: a long\r\n subject line\r\n\r\n"
	unfolded := "Subject: a long subject line\r\n\r\n"

	h1, _ := HeaderHash(strings.NewReader(folded))
	h2, _ := HeaderHash(strings.NewReader(unfolded))
	if h1 != h2 {
		t.Error("folded header hashed differently from unfolded")
	}
}

func TestSuffix(t *testing.T) {
	g, _ := Parse("0123456789abcdef0123456789abcdef")
	if got := g.Suffix(); got != "01234567" {
		t.Errorf("Suffix = %q, want 01234567", got)
	}
}
