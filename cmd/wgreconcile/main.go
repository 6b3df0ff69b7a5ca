// Command wgreconcile synthesizes and applies a WireGuard peer set for one
// interface from a local policy document and a set of remote JSON peer
// catalogs, continuously, per the CLI surface of spec.md §6.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/shoreline-systems/wgreconcile/internal/appliedstate"
	"github.com/shoreline-systems/wgreconcile/internal/catalog"
	"github.com/shoreline-systems/wgreconcile/internal/config"
	"github.com/shoreline-systems/wgreconcile/internal/devicesink"
	"github.com/shoreline-systems/wgreconcile/internal/engine"
	"github.com/shoreline-systems/wgreconcile/internal/srccache"
	"github.com/shoreline-systems/wgreconcile/util"
)

func main() {
	if err := util.SetupLog(); err != nil {
		fmt.Fprintf(os.Stderr, "setting up logger: %s\n", err)
		os.Exit(1)
	}
	defer util.S.Sync()

	args := os.Args[1:]
	switch {
	case len(args) >= 1 && args[0] == "--check-source":
		os.Exit(runCheckSource(args[1:]))
	case len(args) >= 2 && args[0] == "--cmdline":
		os.Exit(runCmdline(args[1], args[2:]))
	case len(args) == 2:
		os.Exit(runFile(args[0], args[1]))
	default:
		fmt.Fprintln(os.Stderr, "usage: wgreconcile IFNAME CONFIG_PATH | --cmdline IFNAME ARGS... | --check-source PATH")
		os.Exit(2)
	}
}

func runCheckSource(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: wgreconcile --check-source PATH")
		return 2
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading %s: %s\n", args[0], err)
		return 1
	}
	if _, err := catalog.Parse(data); err != nil {
		fmt.Fprintf(os.Stderr, "invalid source document: %s\n", err)
		return 1
	}
	return 0
}

func runFile(ifname, configPath string) int {
	g, err := config.Load(configPath)
	if err != nil {
		zap.S().Errorf("loading config: %s", err)
		return 1
	}
	watcher, wakeCh := watchConfigFile(configPath)
	if watcher != nil {
		defer watcher.Close()
	}
	return run(ifname, g, wakeCh)
}

func runCmdline(ifname string, args []string) int {
	g, err := config.ParseCmdline(args)
	if err != nil {
		zap.S().Errorf("parsing --cmdline: %s", err)
		return 1
	}
	if err := g.Validate(); err != nil {
		zap.S().Errorf("config: %s", err)
		return 1
	}
	return run(ifname, g, nil)
}

func run(ifname string, g *config.Global, externalWake <-chan struct{}) int {
	sink, err := devicesink.NewWGCtrlSink(ifname)
	if err != nil {
		zap.S().Errorf("opening device %s: %s", ifname, err)
		return 1
	}
	defer sink.Close()

	cache, err := srccache.Open(filepath.Join(g.CacheDir, "cache.db"))
	if err != nil {
		zap.S().Errorf("opening cache: %s", err)
		return 1
	}
	defer cache.Close()

	state, err := appliedstate.Open(filepath.Join(g.RuntimeDir, "state.db"))
	if err != nil {
		zap.S().Errorf("opening applied state: %s", err)
		return 1
	}
	defer state.Close()

	wake := mergeWakeChannels(externalWake, signalWakeChannel())

	e := &engine.Engine{
		Global:               *g,
		Sink:                 sink,
		Cache:                cache,
		State:                state,
		Fetcher:              srccache.NewHTTPFileFetcher(),
		ThisMachinePublicKey: sink.PublicKey,
		Wake:                 wake,
	}
	if err := e.Run(context.Background()); err != nil {
		zap.S().Errorf("engine stopped: %s", err)
		return 1
	}
	return 0
}

func signalWakeChannel() <-chan struct{} {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	out := make(chan struct{}, 1)
	go func() {
		for range sigCh {
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()
	return out
}

func watchConfigFile(path string) (*fsnotify.Watcher, <-chan struct{}) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		zap.S().Warnf("config file watch disabled: %s", err)
		return nil, nil
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		zap.S().Warnf("config file watch disabled: %s", err)
		watcher.Close()
		return nil, nil
	}
	out := make(chan struct{}, 1)
	go func() {
		for event := range watcher.Events {
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()
	return watcher, out
}

func mergeWakeChannels(chs ...<-chan struct{}) <-chan struct{} {
	out := make(chan struct{}, 1)
	for _, ch := range chs {
		if ch == nil {
			continue
		}
		go func(ch <-chan struct{}) {
			for range ch {
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}(ch)
	}
	return out
}
