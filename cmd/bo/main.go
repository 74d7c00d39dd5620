// Command bo replicates a local workspace to a remote target directory
// over the bo sync protocol, and can trigger remote command execution
// against the synced tree.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/msolo/cmdflag"
	"github.com/posener/complete/v2"
	"github.com/tebeka/atexit"
)

// rootComplete wires shell-completion predictors for the subcommand
// tree, same registration style as cmd/git-preflight/git-preflight.go.
var rootComplete = &complete.Command{
	Sub: map[string]*complete.Command{
		"sync":   {},
		"server": {},
		"remote": {Sub: map[string]*complete.Command{"run": {}}},
		"config": &configSubcommands,
	},
}

var cmdMain = &cmdflag.Command{
	Name: "bo",
	UsageLong: `bo - a directory-synchronization and remote-command utility

bo replicates a local working tree to a named target directory on a
remote host over a simple TCP protocol, and can ask the remote host to
run a configured command against the synced tree, streaming its output
back.

bo is not rsync: there is no delta/block diffing, no compression, no
authentication. It trades those for simplicity -- see the protocol
design in this repo's SPEC_FULL.md.
`,
	Flags: []cmdflag.Flag{
		{"timeout", cmdflag.FlagTypeDuration, 0 * time.Millisecond, "deadline on the context passed to the subcommand (no subcommand reads it)", nil},
	},
	Args: cmdflag.PredictNothing,
}

var subcommands = []*cmdflag.Command{
	cmdSync,
	cmdServer,
	cmdRemoteRun,
	cmdConfig,
}

// Emulate glog format I0514 06:27:35.818055 ] message, same handler as
// the teacher's cmd/git-sync/git-sync.go.
func glogLine(ent *log.Entry) error {
	levelStr := "DIWEF"
	tsFmt := "0102 15:04:05.000000"
	tsStr := ent.Timestamp.Format(tsFmt)
	msg := strings.TrimSpace(ent.Message)
	fmt.Fprintf(os.Stderr, "%c%s ] %s\n", levelStr[ent.Level], tsStr, msg)
	return nil
}

func exitOnError(err error) {
	if err != nil {
		atexit.Fatal(err)
	}
}

func main() {
	defer atexit.Exit(0)

	if rootComplete.Complete(os.Args[0]) {
		return
	}

	if val := os.Getenv("BO_TRACE"); val != "" && val != "0" {
		log.SetLevel(log.DebugLevel)
	}
	log.SetHandler(log.HandlerFunc(glogLine))

	var timeout time.Duration
	cmdMain.BindFlagSet(map[string]interface{}{"timeout": &timeout})

	cmd, args := cmdflag.Parse(cmdMain, subcommands)

	ctx := context.Background()
	if timeout > 0 {
		nctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		ctx = nctx
	}

	cmd.Run(ctx, cmd, args)
}
