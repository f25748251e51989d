package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"

	"mapsync/config"
	"mapsync/identity"
	"mapsync/node"
)

type globals struct {
	DataDir string `help:"Directory holding config, identity and journal." env:"MAPSYNC_DATA_DIR" type:"path"`
	EnvFile string `help:"Load environment variables from this dotenv file." type:"path"`
}

// resolveDataDir loads the dotenv file and returns the data directory in
// effect.
func (g *globals) resolveDataDir() (string, error) {
	if err := config.LoadEnvironment(g.EnvFile); err != nil {
		return "", fmt.Errorf("load environment: %w", err)
	}
	if g.DataDir != "" {
		return g.DataDir, nil
	}
	return config.ResolveDataDir()
}

type cli struct {
	globals

	Run     runCmd     `cmd:"" default:"withargs" help:"Run the node (default)."`
	History historyCmd `cmd:"" help:"Show recent sync runs from the journal."`
	Peers   peersCmd   `cmd:"" help:"List or forget peers recorded in the journal."`
}

type runCmd struct {
	Folder      string `help:"Synced folder, overrides the configured one for this run." type:"path"`
	Master      bool   `help:"Push the folder to every peer for this run."`
	Transport   string `help:"Transfer variant for this run (udp or tcp)."`
	MetricsAddr string `help:"Serve Prometheus metrics on this address." placeholder:"HOST:PORT"`
	PrintID     bool   `help:"Print the node identifier and exit." name:"print-id"`
}

func main() {
	var params cli
	ctx := kong.Parse(&params,
		kong.Name("mapsync"),
		kong.Description("Keeps a folder mirrored from a master node to every peer on the LAN."),
	)
	ctx.FatalIfErrorf(ctx.Run(&params.globals))
}

func (r *runCmd) Run(g *globals) error {
	dataDir, err := g.resolveDataDir()
	if err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}

	cfg, cfgPath, err := config.LoadOrCreate(dataDir)
	if err != nil {
		return fmt.Errorf("startup failed while loading config: %w", err)
	}
	uid, err := identity.LoadOrCreate(config.IdentityPath(dataDir))
	if err != nil {
		return fmt.Errorf("startup failed while loading identity: %w", err)
	}
	if r.PrintID {
		fmt.Println(uid)
		return nil
	}

	if err := config.ApplyEnvironment(cfg); err != nil {
		return fmt.Errorf("startup failed while applying environment: %w", err)
	}
	if r.Folder != "" {
		cfg.SyncedFolder = r.Folder
	}
	if r.Master {
		cfg.Master = true
	}
	if r.Transport != "" {
		transport, err := config.ParseTransport(r.Transport)
		if err != nil {
			return fmt.Errorf("startup failed: %w", err)
		}
		cfg.Transport = transport
	}

	fmt.Printf("Node ID:         %s\n", uid)
	fmt.Printf("Node Name:       %s\n", cfg.NodeName)
	fmt.Printf("Synced Folder:   %s\n", cfg.SyncedFolder)
	fmt.Printf("Transport:       %s\n", cfg.Transport)
	fmt.Printf("Master:          %t\n", cfg.Master)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Data Directory:  %s\n", filepath.Dir(cfgPath))

	n, err := node.New(cfg, uid, node.Options{
		DataDir:        dataDir,
		MetricsAddress: r.MetricsAddr,
	})
	if err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}
	fmt.Printf("Transfer Port:   %d\n", n.TransferPort())
	fmt.Printf("Presence:        %s\n", n.PresenceAddr())

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hangup := make(chan os.Signal, 1)
	signal.Notify(hangup, syscall.SIGHUP)
	defer signal.Stop(hangup)
	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case <-hangup:
				log.Printf("rescan requested")
				n.Rescan()
			}
		}
	}()

	fmt.Println("Status:          running (press Ctrl+C to stop, SIGHUP to rescan)")
	if err := n.Serve(runCtx); err != nil {
		return fmt.Errorf("node stopped: %w", err)
	}
	fmt.Println("Status:          shutting down")
	return nil
}
