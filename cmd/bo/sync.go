package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/msolo/cmdflag"
	"github.com/msolo/go-bis/flock"
	"github.com/pkg/errors"

	"github.com/sea5kg-go/bo/internal/boclient"
	"github.com/sea5kg-go/bo/internal/boconfig"
	"github.com/sea5kg-go/bo/internal/inventory"
	"github.com/sea5kg-go/bo/internal/scanner"
)

var cmdSync = &cmdflag.Command{
	Name:      "sync",
	Run:       runSync,
	UsageLine: "sync [server]",
	UsageLong: `Rescan the current workdir and sync it to the named server (or the
only configured server, if there is exactly one).`,
	Args: cmdflag.PredictNothing,
}

func resolveWorkdirConfig(cfg *boconfig.Config, workdir string) (boconfig.WorkdirConfig, error) {
	wd, ok := cfg.Workdirs[workdir]
	if !ok {
		return boconfig.WorkdirConfig{}, errors.Errorf("no config for workdir %s -- run `bo config init` first", workdir)
	}
	return wd, nil
}

func pickServer(wd boconfig.WorkdirConfig, name string) (string, boconfig.ServerTarget, error) {
	if name != "" {
		st, ok := wd.Servers[name]
		if !ok {
			return "", boconfig.ServerTarget{}, errors.Errorf("no server named %q configured", name)
		}
		return name, st, nil
	}
	if len(wd.Servers) > 1 {
		return "", boconfig.ServerTarget{}, errors.New("workdir has more than one configured server -- specify a name")
	}
	for n, st := range wd.Servers {
		return n, st, nil
	}
	return "", boconfig.ServerTarget{}, errors.New("workdir has no configured servers")
}

func runSync(ctx context.Context, cmd *cmdflag.Command, args []string) {
	serverName := ""
	if len(args) > 0 {
		serverName = args[0]
	}

	workdir, err := os.Getwd()
	exitOnError(err)

	configPath, err := boconfig.HomeConfigPath()
	exitOnError(err)
	cfg, err := boconfig.Load(configPath)
	exitOnError(err)

	wdCfg, err := resolveWorkdirConfig(cfg, workdir)
	exitOnError(err)

	_, target, err := pickServer(wdCfg, serverName)
	exitOnError(err)

	exitOnError(syncWorkdir(workdir, target))
}

// syncWorkdir rescans workdir, connects to target, and runs the protocol
// exchange, holding an flock on the cache file for the duration -- the
// client-side analogue of the server's per-target_dir race tolerance
// (spec 5 only disclaims server-side concurrent sessions; see
// SPEC_FULL.md 11.6 for why the client additionally serializes here).
func syncWorkdir(workdir string, target boconfig.ServerTarget) error {
	cachePath := target.CachePath
	if cachePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return errors.Wrap(err, "resolve home directory")
		}
		cachePath = inventory.CachePath(filepath.Join(home, boconfig.ConfigDirName), workdir, target.TargetDir, target.Host)
	}

	lock, err := flock.Open(cachePath + ".lock")
	if err != nil {
		return errors.Wrap(err, "acquire sync lock")
	}
	defer lock.Close()

	inv, err := inventory.Load(cachePath)
	if err != nil {
		return err
	}
	if err := scanner.Rescan(workdir, inv); err != nil {
		return err
	}
	if err := inv.Save(); err != nil {
		return err
	}

	override, err := boconfig.LoadOverride(filepath.Join(workdir, ".bo.jsonc"))
	if err != nil {
		return err
	}

	addr := formatAddr(target.Host, target.Port)
	log.Infof("syncing %s -> %s:%s", workdir, addr, target.TargetDir)

	conn, err := boclient.Dial(addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	return boclient.Sync(conn, workdir, target.TargetDir, inv, override.SendBufferSize)
}
