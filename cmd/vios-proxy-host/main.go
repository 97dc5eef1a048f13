// Command vios-proxy-host runs the host side of the VIOS proxy: for every
// guest directory it discovers, it dials each guest's Unix-domain socket
// endpoints and relays sessions, framed, to a local TCP service port.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sammck-go/viosproxy/pkg/host"
	"github.com/sammck-go/viosproxy/share"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: vios-proxy-host [guest_dir [service_port [log_level]]]")
	fmt.Fprintln(os.Stderr, "where")
	fmt.Fprintln(os.Stderr, " guest_dir    - path containing one subdirectory per guest, each")
	fmt.Fprintln(os.Stderr, "                holding that guest's Unix-domain socket endpoints.")
	fmt.Fprintln(os.Stderr, "                Default =", share.DefaultHostRoot)
	fmt.Fprintln(os.Stderr, " service_port - the local service port that guest sessions are")
	fmt.Fprintln(os.Stderr, "                relayed to. Default =", share.DefaultPort)
	fmt.Fprintln(os.Stderr, " log_level    - one of FATAL, ALERT, ERROR, WARN, NOTICE, INFO, DEBUG.")
	fmt.Fprintln(os.Stderr, "                Default = INFO")
}

func main() {
	args := os.Args[1:]
	if len(args) >= 1 && (args[0] == "-h" || args[0] == "-help" || args[0] == "--help") {
		usage()
		os.Exit(0)
	}

	cfg, err := share.ParseArgs(args, share.DefaultHostRoot)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
		os.Exit(1)
	}

	signal.Ignore(syscall.SIGPIPE)

	logger := share.NewLogger("vios-proxy-host", cfg.LogLevel)
	logger.Alertf("host proxy start. guest directory: %s, service port: %d, log level: %s",
		cfg.RootDir, cfg.Port, cfg.LogLevel)

	tokens := share.NewTokenSource(time.Now().UnixNano())
	mgr := host.NewManager(logger, cfg.RootDir, cfg.Port, tokens)
	defer mgr.Close()

	// Enumerate once, with reconnect, before entering the poll loop: without
	// this, the first poll-second would run against an empty registry and
	// no foreign endpoint would open until the driver's first five-second
	// reconnect tick.
	mgr.RunTick(true)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	var keepRunning atomic.Bool
	keepRunning.Store(true)
	go func() {
		<-sigCh
		keepRunning.Store(false)
	}()

	loop := &share.Loop{Logger: logger, ExtraFD: -1}
	driver := &share.Driver{
		Loop:     loop,
		Channels: mgr.Channels,
		OnTick:   mgr.RunTick,
	}

	for keepRunning.Load() {
		if err := driver.RunOneSecond(); err != nil {
			logger.ELogf("readiness loop error: %s", err)
		}
	}

	logger.Alertf("host proxy stop. guest directory: %s, service port: %d", cfg.RootDir, cfg.Port)
}
