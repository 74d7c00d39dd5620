package shellquote

import "testing"

func TestQuoteWordSafe(t *testing.T) {
	if got := QuoteWord("echo"); got != "echo" {
		t.Fatalf("got %q", got)
	}
}

func TestQuoteWordUnsafe(t *testing.T) {
	got := QuoteWord("hi there")
	if got != "'hi there'" {
		t.Fatalf("got %q", got)
	}
}

func TestQuoteWordEmbeddedQuote(t *testing.T) {
	got := QuoteWord("it's")
	want := `'it'"'"'s'`
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestQuoteArgv(t *testing.T) {
	got := QuoteArgv([]string{"echo", "hi"})
	if got != "echo hi" {
		t.Fatalf("got %q", got)
	}
}
