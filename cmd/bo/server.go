package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/apex/log"
	"github.com/msolo/cmdflag"

	"github.com/sea5kg-go/bo/internal/boconfig"
	"github.com/sea5kg-go/bo/internal/boserver"
)

var cmdServer = &cmdflag.Command{
	Name:      "server",
	Run:       runServer,
	UsageLine: "server [addr]",
	UsageLong: `Listen for bo client connections and serve sync/remote-command
requests. Binds :4319 on all interfaces unless addr is given.`,
	Args: cmdflag.PredictNothing,
}

func runServer(ctx context.Context, cmd *cmdflag.Command, args []string) {
	addr := fmt.Sprintf(":%d", boconfig.DefaultPort)
	if len(args) > 0 {
		addr = args[0]
	}

	acc, err := boserver.Listen(addr)
	exitOnError(err)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nbo server: goodbye")
		exitOnError(acc.Shutdown())
	}()

	log.Infof("bo server listening on %s", acc.Addr())
	exitOnError(acc.Serve())
}
