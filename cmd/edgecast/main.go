package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/iotproject/edgecast/cmd/edgecast/aggregator"
	"github.com/iotproject/edgecast/cmd/edgecast/node"
	"github.com/iotproject/edgecast/cmd/edgecast/sim"
	"github.com/iotproject/edgecast/cmd/edgecast/subcmd"
	"github.com/iotproject/edgecast/config"
	"github.com/iotproject/edgecast/log2"
	"github.com/iotproject/edgecast/uplink"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"github.com/temoto/alive/v2"
)

var log = log2.NewStderr(log2.LDebug)

var modules = []subcmd.Mod{
	aggregator.Mod,
	node.Mod,
	sim.Mod,
}

func main() {
	flagset := flag.NewFlagSet("edgecast", flag.ContinueOnError)
	flagConfig := flagset.String("config", "edgecast.hcl", "")
	flagset.Usage = func() {
		fmt.Fprintf(flagset.Output(), "Usage: edgecast [option] command\n\nCommands:\n")
		for _, m := range modules {
			fmt.Fprintf(flagset.Output(), "  %-12s %s\n", m.Name, m.Usage)
		}
		fmt.Fprintf(flagset.Output(), "\nOptions:\n")
		flagset.PrintDefaults()
	}
	if err := flagset.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		log.Fatal(err)
	}

	mod, err := subcmd.Parse(flagset.Arg(0), modules)
	if err != nil {
		flagset.Usage()
		log.Fatal(err)
	}

	if subcmd.SdNotify("start") {
		// under systemd assume journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else if isatty.IsTerminal(os.Stderr.Fd()) {
		log.SetFlags(log2.LInteractiveFlags)
	}
	log.Infof("edgecast %s", mod.Name)

	cfg := config.MustReadConfig(log, config.NewOsFullReader(), *flagConfig)
	log.SetLevel(cfg.LogLevel())
	uplink.SetPahoLog(log)

	a := alive.NewAlive()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-a.StopChan()
		cancel()
	}()
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigch
		log.Infof("signal=%v stopping", sig)
		a.Stop()
	}()

	env := &subcmd.Env{Log: log, Config: cfg, Alive: a}
	if err := mod.Main(ctx, env); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	log.Infof("bye")
}
