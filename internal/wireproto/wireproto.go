// Package wireproto implements the line-oriented command framing and raw
// binary file-payload framing shared by the bo client and server.
package wireproto

import (
	"crypto/md5"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// MaxFrameBytes bounds a single command-frame read, matching the
// protocol's "readers consume up to 1024 bytes" contract.
const MaxFrameBytes = 1024

// DefaultSendBufferSize is the chunk size used to stream file payloads
// unless the client negotiates a different value via SEND_BUFFER_SIZE.
const DefaultSendBufferSize = 512

var verbPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Frame is one parsed command line: a verb and an optional value. Value
// is the remainder of the line after the first space and may itself
// contain spaces (paths, JSON arrays, etc).
type Frame struct {
	Verb  string
	Value string
}

func (f Frame) String() string {
	if f.Value == "" {
		return f.Verb
	}
	return f.Verb + " " + f.Value
}

// ParseFrame splits a trimmed line into verb and value on the first space.
func ParseFrame(line string) (Frame, error) {
	line = strings.TrimRight(line, "\r\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return Frame{}, errors.New("empty command frame")
	}
	verb := line
	value := ""
	if idx := strings.IndexByte(line, ' '); idx >= 0 {
		verb = line[:idx]
		value = line[idx+1:]
	}
	if !verbPattern.MatchString(verb) {
		return Frame{}, errors.Errorf("malformed verb: %q", verb)
	}
	return Frame{Verb: verb, Value: value}, nil
}

// ReadFrame reads a single command frame from r. It reads up to
// MaxFrameBytes bytes without relying on a buffered line scanner, since
// the protocol treats one recv() as one frame.
func ReadFrame(r io.Reader) (Frame, error) {
	buf := make([]byte, MaxFrameBytes)
	n, err := r.Read(buf)
	if err != nil {
		return Frame{}, errors.Wrap(err, "read command frame")
	}
	if n == 0 {
		return Frame{}, errors.New("connection closed mid-frame")
	}
	return ParseFrame(string(buf[:n]))
}

// WriteFrame writes a single command frame terminated by a newline.
func WriteFrame(w io.Writer, verb, value string) error {
	line := verb
	if value != "" {
		line = verb + " " + value
	}
	_, err := io.WriteString(w, line+"\n")
	return errors.Wrap(err, "write command frame")
}

// WriteLine writes a raw, unparsed line verbatim, used for the server
// greeting and the unknown-command banner, which are not VERB/VALUE frames.
func WriteLine(w io.Writer, s string) error {
	_, err := io.WriteString(w, s)
	return errors.Wrap(err, "write line")
}

// SendFile streams exactly the contents of r over w in chunks of
// bufSize; a bufSize <= 0 uses DefaultSendBufferSize. It does not read
// the receiver's reply frame -- callers do that.
func SendFile(w io.Writer, r io.Reader, bufSize int) error {
	if bufSize <= 0 {
		bufSize = DefaultSendBufferSize
	}
	buf := make([]byte, bufSize)
	_, err := io.CopyBuffer(w, r, buf)
	return errors.Wrap(err, "send file payload")
}

// ReceiveFile reads exactly size bytes from r into w, computing an md5
// digest as it goes, and returns the hex digest. It does not itself send
// the ACCEPTED/WRONG_MD5 reply -- callers compare the digest against the
// expected one and reply via WriteFrame so that the single place that
// emits a post-payload ACK is explicit at each call site (see
// ReceiveFileAndAck for the common case).
func ReceiveFile(w io.Writer, r io.Reader, size int64) (md5Hex string, err error) {
	h := md5.New()
	mw := io.MultiWriter(w, h)
	if _, err := io.CopyN(mw, r, size); err != nil {
		return "", errors.Wrap(err, "receive file payload")
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// ReceiveFileAndAck reads exactly size bytes from r into w, verifies the
// digest against expectedMD5Hex, and writes the single ACCEPTED or
// WRONG_MD5 reply frame to ackW. It is the one place in the codebase that
// emits this ACK -- callers (CACHE_SEND handler, ACTION_SEND_ME_FILE
// handler) must not additionally emit their own post-payload ACCEPTED.
func ReceiveFileAndAck(ackW io.Writer, w io.Writer, r io.Reader, size int64, expectedMD5Hex string) (ok bool, err error) {
	gotMD5, err := ReceiveFile(w, r, size)
	if err != nil {
		return false, err
	}
	if gotMD5 != expectedMD5Hex {
		return false, WriteFrame(ackW, "WRONG_MD5", "")
	}
	return true, WriteFrame(ackW, "ACCEPTED", "")
}
