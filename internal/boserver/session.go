// Package boserver implements the server-side connection state machine:
// parameter negotiation, inventory receive, the action loop that
// converges target_dir to the client's pending inventory, and remote
// command execution with streamed output.
package boserver

import (
	"bufio"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/apex/log"
	"github.com/google/uuid"

	"github.com/sea5kg-go/bo/internal/procrun"
	"github.com/sea5kg-go/bo/internal/shellquote"
	"github.com/sea5kg-go/bo/internal/wireproto"
)

// pendingFileEntry is the subset of inventory.FileEntry the server needs
// to act on one entry in a received pending inventory. It is decoded
// independently of the client-side inventory package so the server does
// not need write access to the client's persistence format, only its
// wire schema.
type pendingFileEntry struct {
	MD5          string `yaml:"md5"`
	Size         int64  `yaml:"size"`
	RequiredSync string `yaml:"required_sync"`
}

// sessionState is the per-connection negotiated parameters, per spec 3.
type sessionState struct {
	targetDir         string
	subDir            string
	expectedCacheMD5  string
	expectedCacheSize int64
	sendBufferSize    int
	pendingInventory  map[string]pendingFileEntry
	pendingOrder      []string
}

// Session runs the full state machine for one accepted connection.
type Session struct {
	id    string
	conn  net.Conn
	state sessionState
	log   log.Interface
}

// NewSession wraps conn in a fresh Session with a correlation id.
func NewSession(conn net.Conn) *Session {
	id := uuid.New().String()
	return &Session{
		id:    id,
		conn:  conn,
		state: sessionState{sendBufferSize: wireproto.DefaultSendBufferSize},
		log:   log.WithField("session", id),
	}
}

// Serve runs the session to completion: greeting, AWAIT_CMD dispatch
// loop, until the connection closes or an unknown verb is received.
func (s *Session) Serve() {
	defer s.conn.Close()

	if err := wireproto.WriteLine(s.conn, "Welcome to bo server\ntarget_dir? "); err != nil {
		s.log.WithError(err).Warn("failed to send greeting")
		return
	}

	for {
		frame, err := wireproto.ReadFrame(s.conn)
		if err != nil {
			if err != io.EOF {
				s.log.WithError(err).Debug("session closed")
			}
			return
		}
		if !s.dispatch(frame) {
			return
		}
	}
}

// dispatch handles one AWAIT_CMD frame; returns false when the session
// should close (unknown verb, or a terminal state was reached).
func (s *Session) dispatch(f wireproto.Frame) bool {
	switch f.Verb {
	case "TARGET_DIR":
		s.state.targetDir = f.Value
		return s.ack(f.Value)
	case "SUB_DIR":
		s.state.subDir = f.Value
		return s.ack(f.Value)
	case "CACHE_MD5":
		s.state.expectedCacheMD5 = f.Value
		return s.ack(f.Value)
	case "CACHE_SIZE":
		n, err := strconv.ParseInt(f.Value, 10, 64)
		if err != nil {
			s.log.WithError(err).Warn("malformed CACHE_SIZE")
			return false
		}
		s.state.expectedCacheSize = n
		return s.ack(f.Value)
	case "SEND_BUFFER_SIZE":
		n, err := strconv.Atoi(f.Value)
		if err != nil || n <= 0 {
			s.log.WithError(err).Warn("malformed SEND_BUFFER_SIZE")
			return false
		}
		s.state.sendBufferSize = n
		return s.ack(f.Value)
	case "CACHE_SEND":
		return s.recvInventory()
	case "ACTION_REQUEST":
		return s.actionLoop()
	case "RUN_COMMAND":
		return s.exec(f.Value)
	default:
		s.log.Warnf("unknown command: %s", f.Verb)
		_ = wireproto.WriteLine(s.conn, "\n '"+f.Verb+"' unknown command\n\n")
		return false
	}
}

func (s *Session) ack(value string) bool {
	if err := wireproto.WriteFrame(s.conn, "ACCEPTED", value); err != nil {
		s.log.WithError(err).Warn("write ACCEPTED failed")
		return false
	}
	return true
}

// recvInventory implements RECV_INVENTORY: ack CACHE_SEND, receive
// exactly expectedCacheSize bytes, verify md5, ack/WRONG_MD5 (the single
// ACK emission lives in wireproto.ReceiveFileAndAck -- this handler must
// not send a second ACCEPTED after it).
func (s *Session) recvInventory() bool {
	if err := wireproto.WriteFrame(s.conn, "ACCEPTED", ""); err != nil {
		s.log.WithError(err).Warn("write ACCEPTED failed")
		return false
	}

	tmp, err := os.CreateTemp("", "bo-recv-inventory-*.yml")
	if err != nil {
		s.log.WithError(err).Warn("failed to create temp inventory file")
		return false
	}
	defer os.Remove(tmp.Name())

	ok, err := wireproto.ReceiveFileAndAck(s.conn, tmp, s.conn, s.state.expectedCacheSize, s.state.expectedCacheMD5)
	tmp.Close()
	if err != nil {
		s.log.WithError(err).Warn("failed receiving inventory")
		return false
	}
	if !ok {
		s.log.Warn("inventory upload failed md5 check")
		return true
	}

	entries, order, err := loadPendingInventory(tmp.Name())
	if err != nil {
		s.log.WithError(err).Warn("malformed pending inventory")
		return false
	}
	s.state.pendingInventory = entries
	s.state.pendingOrder = order
	return true
}

// actionLoop implements ACTION_LOOP: walk pendingOrder, emitting one
// ACTION_DELETED or ACTION_SEND_ME_FILE per entry and reading the next
// client frame (expected ACTION_REQUEST) before continuing.
func (s *Session) actionLoop() bool {
	for _, path := range s.state.pendingOrder {
		entry := s.state.pendingInventory[path]
		switch entry.RequiredSync {
		case "DELETE":
			if !s.actionDelete(path) {
				return false
			}
		case "UPDATE":
			cont, ok := s.actionSendMeFile(path, entry)
			if !ok {
				return false
			}
			if !cont {
				return true
			}
		}
		next, err := wireproto.ReadFrame(s.conn)
		if err != nil {
			return false
		}
		if next.Verb != "ACTION_REQUEST" {
			s.log.Warnf("expected ACTION_REQUEST, got %s", next.Verb)
			return false
		}
	}
	if err := wireproto.WriteFrame(s.conn, "ACTIONS_COMPLETED", ""); err != nil {
		s.log.WithError(err).Warn("write ACTIONS_COMPLETED failed")
		return false
	}
	return true
}

func (s *Session) actionDelete(path string) bool {
	fullPath := filepath.Join(s.state.targetDir, filepath.FromSlash(path))
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		s.log.WithError(err).Warnf("failed to delete %s", path)
		return false
	}
	return wireproto.WriteFrame(s.conn, "ACTION_DELETED", path) == nil
}

// actionSendMeFile requests and receives one file. The bool `cont`
// return reports whether the action loop should keep iterating (false
// on an integrity failure, per spec 4.5: "on mismatch ... abort the loop").
func (s *Session) actionSendMeFile(path string, entry pendingFileEntry) (cont bool, ok bool) {
	fullPath := filepath.Join(s.state.targetDir, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0775); err != nil {
		s.log.WithError(err).Warnf("failed to create parent dir for %s", path)
		return false, false
	}
	if err := wireproto.WriteFrame(s.conn, "ACTION_SEND_ME_FILE", path); err != nil {
		return false, false
	}
	f, err := os.Create(fullPath)
	if err != nil {
		s.log.WithError(err).Warnf("failed to create %s", path)
		return false, false
	}
	defer f.Close()

	matched, err := wireproto.ReceiveFileAndAck(s.conn, f, s.conn, entry.Size, entry.MD5)
	if err != nil {
		return false, false
	}
	return matched, true
}

func loadPendingInventory(path string) (map[string]pendingFileEntry, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	return decodePendingInventory(f)
}

// exec implements the EXEC state: shell-wrap argv, validate the working
// directory, stream output line-by-line across OUTPUT_REQUEST polls.
func (s *Session) exec(argvJSON string) bool {
	var argv []string
	if err := json.Unmarshal([]byte(argvJSON), &argv); err != nil {
		_ = wireproto.WriteFrame(s.conn, "FAILED", "")
		return false
	}
	if err := wireproto.WriteFrame(s.conn, "ACCEPTED", argvJSON); err != nil {
		return false
	}
	req, err := wireproto.ReadFrame(s.conn)
	if err != nil {
		return false
	}
	if req.Verb != "OUTPUT_REQUEST" {
		_ = wireproto.WriteFrame(s.conn, "FAILED", "")
		return false
	}

	workDir := filepath.Join(s.state.targetDir, filepath.FromSlash(s.state.subDir))
	if fi, err := os.Stat(workDir); err != nil || !fi.IsDir() {
		_ = wireproto.WriteFrame(s.conn, "OUTPUT_FAILED", workDir+" - not found directory")
		return false
	}

	shellCmd, shellArgs := platformShell(argv)
	// The OUTPUT_REQUEST read above is answered with the first preamble line.
	if err := wireproto.WriteFrame(s.conn, "OUTPUT", workDir); err != nil {
		return false
	}
	if !s.sendOutputLine(strings.Join(append([]string{shellCmd}, shellArgs...), " ")) {
		return false
	}
	if !s.sendOutputLine("Output:") {
		return false
	}

	mergedR, mergedW, err := os.Pipe()
	if err != nil {
		_ = wireproto.WriteFrame(s.conn, "OUTPUT_FAILED", err.Error())
		return false
	}

	cmd := procrun.Command(shellCmd, shellArgs...)
	cmd.Dir = workDir
	cmd.Stdout = mergedW
	cmd.Stderr = mergedW

	if err := cmd.Start(); err != nil {
		mergedW.Close()
		mergedR.Close()
		_ = wireproto.WriteFrame(s.conn, "OUTPUT_FAILED", err.Error())
		return false
	}

	scanner := bufio.NewScanner(mergedR)
	lines := make(chan string)
	go func() {
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		mergedW.Close()
		waitErr <- err
	}()

	return s.streamOutput(lines, waitErr, mergedR)
}

func (s *Session) streamOutput(lines <-chan string, waitErr <-chan error, mergedR *os.File) bool {
	defer mergedR.Close()
	var exitCode int
	var cmdErr error
	waited := false

	for {
		req, err := wireproto.ReadFrame(s.conn)
		if err != nil {
			return false
		}
		if req.Verb != "OUTPUT_REQUEST" {
			_ = wireproto.WriteFrame(s.conn, "FAILED", "")
			return false
		}
		select {
		case line, open := <-lines:
			if open {
				if err := wireproto.WriteFrame(s.conn, "OUTPUT", line); err != nil {
					return false
				}
				continue
			}
			if !waited {
				cmdErr = <-waitErr
				waited = true
				exitCode = exitCodeOf(cmdErr)
			}
			if err := wireproto.WriteFrame(s.conn, "OUTPUT_FINISHED", strconv.Itoa(exitCode)); err != nil {
				return false
			}
			return true
		}
	}
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*procrun.ExitError); ok {
		return exitErr.ExitCode()
	}
	return 1
}

func (s *Session) sendOutputLine(line string) bool {
	req, err := wireproto.ReadFrame(s.conn)
	if err != nil || req.Verb != "OUTPUT_REQUEST" {
		return false
	}
	return wireproto.WriteFrame(s.conn, "OUTPUT", line) == nil
}

func platformShell(argv []string) (shell string, args []string) {
	if runtime.GOOS == "windows" {
		return "cmd", append([]string{"/c"}, argv...)
	}
	return "sh", []string{"-c", shellquote.QuoteArgv(argv)}
}
