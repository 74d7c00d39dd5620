package wireproto

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"strings"
	"testing"
)

func TestParseFrameVerbOnly(t *testing.T) {
	f, err := ParseFrame("ACTIONS_COMPLETED\n")
	if err != nil {
		t.Fatal(err)
	}
	if f.Verb != "ACTIONS_COMPLETED" || f.Value != "" {
		t.Fatalf("got %+v", f)
	}
}

func TestParseFrameVerbAndValue(t *testing.T) {
	f, err := ParseFrame("ACTION_SEND_ME_FILE d/b file with spaces.bin\n")
	if err != nil {
		t.Fatal(err)
	}
	if f.Verb != "ACTION_SEND_ME_FILE" {
		t.Fatalf("got verb %q", f.Verb)
	}
	if f.Value != "d/b file with spaces.bin" {
		t.Fatalf("got value %q", f.Value)
	}
}

func TestParseFrameRejectsBadVerb(t *testing.T) {
	if _, err := ParseFrame("1BAD value"); err == nil {
		t.Fatal("expected error for malformed verb")
	}
}

func TestReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, "TARGET_DIR", "/tmp/t"); err != nil {
		t.Fatal(err)
	}
	f, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if f.Verb != "TARGET_DIR" || f.Value != "/tmp/t" {
		t.Fatalf("got %+v", f)
	}
}

func TestSendReceiveFileIntegrity(t *testing.T) {
	payload := []byte(strings.Repeat("hello world ", 100))
	want := fmt.Sprintf("%x", md5.Sum(payload))

	var wire bytes.Buffer
	if err := SendFile(&wire, bytes.NewReader(payload), 17); err != nil {
		t.Fatal(err)
	}

	var dst bytes.Buffer
	got, err := ReceiveFile(&dst, &wire, int64(len(payload)))
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("md5 mismatch: got %s want %s", got, want)
	}
	if !bytes.Equal(dst.Bytes(), payload) {
		t.Fatal("payload bytes did not round-trip")
	}
}

func TestReceiveFileAndAckWrongMD5(t *testing.T) {
	payload := []byte("some bytes")
	var dst, ack bytes.Buffer
	ok, err := ReceiveFileAndAck(&ack, &dst, bytes.NewReader(payload), int64(len(payload)), "deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected mismatch")
	}
	f, err := ReadFrame(&ack)
	if err != nil {
		t.Fatal(err)
	}
	if f.Verb != "WRONG_MD5" {
		t.Fatalf("got %+v", f)
	}
}

func TestReceiveFileAndAckMatch(t *testing.T) {
	payload := []byte("some bytes")
	sum := fmt.Sprintf("%x", md5.Sum(payload))
	var dst, ack bytes.Buffer
	ok, err := ReceiveFileAndAck(&ack, &dst, bytes.NewReader(payload), int64(len(payload)), sum)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected match")
	}
	f, err := ReadFrame(&ack)
	if err != nil {
		t.Fatal(err)
	}
	if f.Verb != "ACCEPTED" {
		t.Fatalf("got %+v", f)
	}
}

func TestZeroByteFile(t *testing.T) {
	var wire, dst bytes.Buffer
	if err := SendFile(&wire, bytes.NewReader(nil), 512); err != nil {
		t.Fatal(err)
	}
	got, err := ReceiveFile(&dst, &wire, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := fmt.Sprintf("%x", md5.Sum(nil))
	if got != want {
		t.Fatalf("got %s want %s", got, want)
	}
}
