// Package boclient drives the bo wire protocol from the sending side:
// parameter negotiation, pending-inventory upload, the action-request
// loop, and the remote-command request/output-poll exchange.
package boclient

import (
	"crypto/md5"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	isatty "github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/sea5kg-go/bo/internal/inventory"
	"github.com/sea5kg-go/bo/internal/wireproto"
)

// ConnectTimeout bounds the initial TCP dial, per spec 5 ("suggested 15s").
const ConnectTimeout = 15 * time.Second

// Dial opens a connection to addr, discarding the server's greeting line.
func Dial(addr string) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, ConnectTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "connect to bo server")
	}
	greeting := make([]byte, wireproto.MaxFrameBytes)
	if _, err := conn.Read(greeting); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "read server greeting")
	}
	return conn, nil
}

func expectAccepted(conn net.Conn) error {
	f, err := wireproto.ReadFrame(conn)
	if err != nil {
		return err
	}
	if f.Verb != "ACCEPTED" {
		return errors.Errorf("Expected [ACCEPTED] but got [%s]", f)
	}
	return nil
}

func sendParam(conn net.Conn, verb, value string) error {
	if err := wireproto.WriteFrame(conn, verb, value); err != nil {
		return err
	}
	return expectAccepted(conn)
}

// Sync runs a full sync-mode exchange: negotiate parameters, upload the
// pending inventory, then service the server's action loop until
// ACTIONS_COMPLETED.
func Sync(conn net.Conn, workspace, targetDir string, inv *inventory.Inventory, sendBufferSize int) error {
	if sendBufferSize <= 0 {
		sendBufferSize = wireproto.DefaultSendBufferSize
	}

	pendingPath, cleanup, err := writePendingInventoryFile(inv)
	if err != nil {
		return err
	}
	defer cleanup()

	md5Hex, size, err := md5AndSize(pendingPath)
	if err != nil {
		return err
	}

	if err := sendParam(conn, "TARGET_DIR", targetDir); err != nil {
		return err
	}
	if err := sendParam(conn, "CACHE_MD5", md5Hex); err != nil {
		return err
	}
	if err := sendParam(conn, "CACHE_SIZE", fmt.Sprintf("%d", size)); err != nil {
		return err
	}
	if err := sendParam(conn, "SEND_BUFFER_SIZE", fmt.Sprintf("%d", sendBufferSize)); err != nil {
		return err
	}
	if err := wireproto.WriteFrame(conn, "CACHE_SEND", "1"); err != nil {
		return err
	}
	if err := expectAccepted(conn); err != nil {
		return err
	}

	pf, err := os.Open(pendingPath)
	if err != nil {
		return errors.Wrap(err, "open pending inventory for upload")
	}
	err = wireproto.SendFile(conn, pf, sendBufferSize)
	pf.Close()
	if err != nil {
		return err
	}
	if err := expectAccepted(conn); err != nil {
		return errors.WithMessage(err, "inventory upload rejected")
	}

	return actionLoop(conn, workspace, inv, sendBufferSize)
}

func actionLoop(conn net.Conn, workspace string, inv *inventory.Inventory, sendBufferSize int) error {
	for {
		if err := wireproto.WriteFrame(conn, "ACTION_REQUEST", ""); err != nil {
			return err
		}
		reply, err := wireproto.ReadFrame(conn)
		if err != nil {
			return err
		}
		switch reply.Verb {
		case "ACTION_DELETED":
			inv.Remove(reply.Value)
			if err := inv.Save(); err != nil {
				return err
			}
			log.Infof("deleted %s", reply.Value)
		case "ACTION_SEND_ME_FILE":
			if err := sendRequestedFile(conn, workspace, inv, reply.Value, sendBufferSize); err != nil {
				return err
			}
		case "ACTIONS_COMPLETED":
			return inv.Save()
		default:
			return errors.Errorf("Expected [ACCEPTED] but got [%s]", reply)
		}
	}
}

func sendRequestedFile(conn net.Conn, workspace string, inv *inventory.Inventory, relPath string, sendBufferSize int) error {
	absPath := filepath.Join(workspace, filepath.FromSlash(relPath))
	f, err := os.Open(absPath)
	if err != nil {
		return errors.Wrapf(err, "open %s for upload", relPath)
	}
	entry := inv.Get(relPath)
	var size int64
	if entry != nil {
		size = entry.Size
	}
	log.Infof("sending %s (%s)", relPath, humanize.Bytes(uint64(size)))

	err = wireproto.SendFile(conn, f, sendBufferSize)
	f.Close()
	if err != nil {
		return err
	}
	ack, err := wireproto.ReadFrame(conn)
	if err != nil {
		return err
	}
	if ack.Verb != "ACCEPTED" {
		return errors.Errorf("server rejected %s: %s", relPath, ack)
	}
	none := inventory.SyncNone
	inv.Update(relPath, inventory.Fields{RequiredSync: &none})
	return nil
}

func writePendingInventoryFile(inv *inventory.Inventory) (path string, cleanup func(), err error) {
	tmp, err := os.CreateTemp("", "bo-pending-inventory-*.yml")
	if err != nil {
		return "", nil, errors.Wrap(err, "create pending-inventory temp file")
	}
	if err := writeYAMLPending(tmp, inv.PendingEntries()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", nil, err
	}
	tmp.Close()
	return tmp.Name(), func() { os.Remove(tmp.Name()) }, nil
}

// RunCommand issues a remote-command request and streams the server's
// output back to stdout, honoring terminal-vs-pipe output mode.
func RunCommand(conn net.Conn, targetDir, subDir string, argv []string) (exitCode int, err error) {
	if err := sendParam(conn, "TARGET_DIR", targetDir); err != nil {
		return 0, err
	}
	if err := sendParam(conn, "SUB_DIR", subDir); err != nil {
		return 0, err
	}
	argvJSON, err := json.Marshal(argv)
	if err != nil {
		return 0, errors.Wrap(err, "encode argv")
	}
	if err := wireproto.WriteFrame(conn, "RUN_COMMAND", string(argvJSON)); err != nil {
		return 0, err
	}
	ack, err := wireproto.ReadFrame(conn)
	if err != nil {
		return 0, err
	}
	if ack.Verb != "ACCEPTED" {
		return 0, errors.Errorf("Expected [ACCEPTED] but got [%s]", ack)
	}

	interactive := isatty.IsTerminal(os.Stdout.Fd())
	for {
		if err := wireproto.WriteFrame(conn, "OUTPUT_REQUEST", ""); err != nil {
			return 0, err
		}
		reply, err := wireproto.ReadFrame(conn)
		if err != nil {
			return 0, err
		}
		switch reply.Verb {
		case "OUTPUT":
			printOutputLine(reply.Value, interactive)
		case "OUTPUT_FINISHED":
			code := 0
			fmt.Sscanf(reply.Value, "%d", &code)
			return code, nil
		case "OUTPUT_FAILED":
			return 1, errors.New(reply.Value)
		default:
			return 0, errors.Errorf("Expected [ACCEPTED] but got [%s]", reply)
		}
	}
}

func printOutputLine(line string, interactive bool) {
	if interactive {
		fmt.Print("\r", line, "\n")
		return
	}
	fmt.Println(line)
}

func writeYAMLPending(w io.Writer, pending map[string]*inventory.FileEntry) error {
	data, err := yaml.Marshal(pending)
	if err != nil {
		return errors.Wrap(err, "marshal pending inventory")
	}
	_, err = w.Write(data)
	return errors.Wrap(err, "write pending inventory")
}

func md5AndSize(path string) (md5Hex string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, errors.Wrap(err, "open pending inventory")
	}
	defer f.Close()
	h := md5.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, errors.Wrap(err, "hash pending inventory")
	}
	return fmt.Sprintf("%x", h.Sum(nil)), n, nil
}
