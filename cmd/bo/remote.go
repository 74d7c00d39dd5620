package main

import (
	"context"
	"os"

	"github.com/msolo/cmdflag"
	"github.com/pkg/errors"

	"github.com/sea5kg-go/bo/internal/boclient"
	"github.com/sea5kg-go/bo/internal/boconfig"
)

var cmdRemoteRun = &cmdflag.Command{
	Name:      "remote",
	Run:       runRemote,
	UsageLine: "remote run <argv...>",
	UsageLong: `Ask the configured server to run a command under the synced
target directory and stream its output back.`,
	Args: cmdflag.PredictNothing,
}

func runRemote(ctx context.Context, cmd *cmdflag.Command, args []string) {
	if len(args) < 2 || args[0] != "run" {
		exitOnError(errors.New("usage: bo remote run <argv...>"))
	}
	argv := args[1:]

	workdir, err := os.Getwd()
	exitOnError(err)

	configPath, err := boconfig.HomeConfigPath()
	exitOnError(err)
	cfg, err := boconfig.Load(configPath)
	exitOnError(err)

	wdCfg, err := resolveWorkdirConfig(cfg, workdir)
	exitOnError(err)

	_, target, err := pickServer(wdCfg, "")
	exitOnError(err)

	conn, err := boclient.Dial(formatAddr(target.Host, target.Port))
	exitOnError(err)
	defer conn.Close()

	exitCode, err := boclient.RunCommand(conn, target.TargetDir, "", argv)
	exitOnError(err)
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
