package main

import (
	"bufio"
	"context"
	"crypto/md5"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	isatty "github.com/mattn/go-isatty"
	"github.com/msolo/cmdflag"
	"github.com/pkg/errors"
	"github.com/posener/complete/v2"

	"github.com/sea5kg-go/bo/internal/boconfig"
)

var cmdConfig = &cmdflag.Command{
	Name:      "config",
	Run:       runConfig,
	UsageLine: "config {init|deinit|command|remove-command|ls|path} [args...]",
	UsageLong: `Manage the global $HOME/.bo-by-sea5kg/config.yml file: register a
server target for the current workdir, manage command aliases, or
inspect the resolved configuration.`,
	Args: cmdflag.PredictNothing,
}

// configSubcommands feeds shell completion (posener/complete/v2), the
// same predictor-registration style as cmd/git-preflight/git-preflight.go.
var configSubcommands = complete.Command{
	Sub: map[string]*complete.Command{
		"init":           {},
		"deinit":         {},
		"command":        {},
		"remove-command": {},
		"ls":             {},
		"path":           {},
	},
}

func runConfig(ctx context.Context, cmd *cmdflag.Command, args []string) {
	if len(args) == 0 {
		exitOnError(errors.New("usage: " + cmdConfig.UsageLine))
	}

	configPath, err := boconfig.HomeConfigPath()
	exitOnError(err)
	cfg, err := boconfig.Load(configPath)
	exitOnError(err)

	workdir, err := os.Getwd()
	exitOnError(err)

	switch args[0] {
	case "init":
		exitOnError(configInit(configPath, cfg, workdir, args[1:]))
	case "deinit":
		exitOnError(configDeinit(configPath, cfg, workdir))
	case "command":
		exitOnError(configSetCommand(configPath, cfg, workdir, args[1:]))
	case "remove-command":
		exitOnError(configRemoveCommand(configPath, cfg, workdir, args[1:]))
	case "ls":
		configList(cfg)
	case "path":
		exitOnError(configPrintPath(cfg, workdir, args[1:]))
	default:
		exitOnError(errors.Errorf("unknown config subcommand: %s", args[0]))
	}
}

func configInit(configPath string, cfg *boconfig.Config, workdir string, args []string) error {
	host, port, targetDir, err := parseInitArgs(args)
	if err != nil {
		return err
	}
	wd, ok := cfg.Workdirs[workdir]
	if !ok {
		wd = boconfig.WorkdirConfig{Servers: map[string]boconfig.ServerTarget{}, Commands: map[string][]string{}}
	}
	if wd.Servers == nil {
		wd.Servers = map[string]boconfig.ServerTarget{}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	cachePath := cachePathFor(home, workdir, targetDir, host)
	wd.Servers["sync"] = boconfig.ServerTarget{Host: host, Port: port, TargetDir: targetDir, CachePath: cachePath}
	cfg.Workdirs[workdir] = wd
	return boconfig.Save(configPath, cfg)
}

// parseInitArgs accepts `<host> <port> <target_dir>` positionally. When
// fewer args are given and stdin is a terminal, it falls back to
// prompting for the missing values instead of failing outright --
// spec.md places interactive init prompting out of the core's scope
// without forbidding the CLI from offering it (SPEC_FULL.md 12).
func parseInitArgs(args []string) (host string, port int, targetDir string, err error) {
	if len(args) >= 3 {
		port, err = strconv.Atoi(args[1])
		if err != nil {
			return "", 0, "", errors.Wrap(err, "invalid port")
		}
		return args[0], port, args[2], nil
	}
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return "", 0, "", errors.New("usage: bo config init <host> <port> <target_dir>")
	}
	return promptInitArgs(os.Stdin)
}

func promptInitArgs(r *os.File) (host string, port int, targetDir string, err error) {
	scanner := bufio.NewScanner(r)
	host, err = promptLine(scanner, "server host: ")
	if err != nil {
		return "", 0, "", err
	}
	portStr, err := promptLine(scanner, fmt.Sprintf("server port [%d]: ", boconfig.DefaultPort))
	if err != nil {
		return "", 0, "", err
	}
	if portStr == "" {
		port = boconfig.DefaultPort
	} else {
		port, err = strconv.Atoi(portStr)
		if err != nil {
			return "", 0, "", errors.Wrap(err, "invalid port")
		}
	}
	targetDir, err = promptLine(scanner, "target directory: ")
	if err != nil {
		return "", 0, "", err
	}
	return host, port, targetDir, nil
}

func promptLine(scanner *bufio.Scanner, prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", err
		}
		return "", errors.New("unexpected EOF reading prompt")
	}
	return strings.TrimSpace(scanner.Text()), nil
}

func cachePathFor(home, workdir, targetDir, host string) string {
	sum := md5.Sum([]byte(workdir + "|" + targetDir + "|" + host))
	return filepath.Join(home, boconfig.ConfigDirName, fmt.Sprintf("%x.yml", sum))
}

func configDeinit(configPath string, cfg *boconfig.Config, workdir string) error {
	delete(cfg.Workdirs, workdir)
	return boconfig.Save(configPath, cfg)
}

func configSetCommand(configPath string, cfg *boconfig.Config, workdir string, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: bo config command <name> <argv...>")
	}
	wd := cfg.Workdirs[workdir]
	if wd.Commands == nil {
		wd.Commands = map[string][]string{}
	}
	wd.Commands[args[0]] = args[1:]
	cfg.Workdirs[workdir] = wd
	return boconfig.Save(configPath, cfg)
}

func configRemoveCommand(configPath string, cfg *boconfig.Config, workdir string, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: bo config remove-command <name>")
	}
	wd := cfg.Workdirs[workdir]
	delete(wd.Commands, args[0])
	cfg.Workdirs[workdir] = wd
	return boconfig.Save(configPath, cfg)
}

func configList(cfg *boconfig.Config) {
	for workdir, wd := range cfg.Workdirs {
		fmt.Println(workdir)
		for name, st := range wd.Servers {
			fmt.Printf("  server %s: %s:%d -> %s\n", name, st.Host, st.Port, st.TargetDir)
		}
		for name, argv := range wd.Commands {
			fmt.Printf("  command %s: %v\n", name, argv)
		}
	}
}

func configPrintPath(cfg *boconfig.Config, workdir string, args []string) error {
	wd, ok := cfg.Workdirs[workdir]
	if !ok {
		return errors.Errorf("no config for workdir %s", workdir)
	}
	name := ""
	if len(args) > 0 {
		name = args[0]
	}
	_, st, err := pickServer(wd, name)
	if err != nil {
		return err
	}
	fmt.Println(st.CachePath)
	return nil
}
