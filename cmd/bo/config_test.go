package main

import "testing"

func TestParseInitArgs(t *testing.T) {
	host, port, targetDir, err := parseInitArgs([]string{"example.com", "4319", "/srv/proj"})
	if err != nil {
		t.Fatal(err)
	}
	if host != "example.com" || port != 4319 || targetDir != "/srv/proj" {
		t.Fatalf("got %q %d %q", host, port, targetDir)
	}
}

func TestParseInitArgsMissing(t *testing.T) {
	if _, _, _, err := parseInitArgs([]string{"example.com"}); err == nil {
		t.Fatal("expected error for missing args")
	}
}

func TestFormatAddr(t *testing.T) {
	if got := formatAddr("example.com", 4319); got != "example.com:4319" {
		t.Fatalf("got %q", got)
	}
}
