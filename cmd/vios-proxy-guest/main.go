// Command vios-proxy-guest runs the guest side of the VIOS proxy: it
// listens on a local TCP port and relays each accepted connection, framed,
// over a virtio-serial character device to a waiting host proxy peer.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sammck-go/viosproxy/pkg/guest"
	"github.com/sammck-go/viosproxy/share"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: vios-proxy-guest [host_dir [service_port [log_level]]]")
	fmt.Fprintln(os.Stderr, "where")
	fmt.Fprintln(os.Stderr, " host_dir     - path containing virtioserial endpoints to the host.")
	fmt.Fprintln(os.Stderr, "                Default =", share.DefaultGuestRoot)
	fmt.Fprintln(os.Stderr, " service_port - the local port that is proxied to the host.")
	fmt.Fprintln(os.Stderr, "                Default =", share.DefaultPort)
	fmt.Fprintln(os.Stderr, " log_level    - one of FATAL, ALERT, ERROR, WARN, NOTICE, INFO, DEBUG.")
	fmt.Fprintln(os.Stderr, "                Default = INFO")
}

func main() {
	args := os.Args[1:]
	if len(args) >= 1 && (args[0] == "-h" || args[0] == "-help" || args[0] == "--help") {
		usage()
		os.Exit(0)
	}

	cfg, err := share.ParseArgs(args, share.DefaultGuestRoot)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
		os.Exit(1)
	}

	// SIGPIPE would otherwise kill the process the first time a client
	// disappears mid-write; the engine already treats EPIPE as a normal
	// SendClosed status.
	signal.Ignore(syscall.SIGPIPE)

	logger := share.NewLogger("vios-proxy-guest", cfg.LogLevel)
	logger.Alertf("guest proxy start. host directory: %s, listen port: %d, log level: %s",
		cfg.RootDir, cfg.Port, cfg.LogLevel)

	tokens := share.NewTokenSource(time.Now().UnixNano())

	mgr, err := guest.NewManager(logger, cfg.RootDir, cfg.Port, share.DefaultSynTimeoutTicks, tokens)
	if err != nil {
		logger.Alertf("startup failed: %s", err)
		os.Exit(1)
	}
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

	loop := &share.Loop{Logger: logger, ExtraFD: mgr.ListenFD(), OnExtraReadable: mgr.Accept}
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

	logger.Alertf("guest proxy stop. host directory: %s, listen port: %d", cfg.RootDir, cfg.Port)
}
