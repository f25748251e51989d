package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"mapsync/storage"
)

type historyCmd struct {
	Peer  string `help:"Only show runs against this peer." placeholder:"UID"`
	Limit int    `help:"Number of runs to show." default:"20"`
	ID    string `name:"run" help:"Show one run with its file operations." placeholder:"RUN_ID"`
}

type peersCmd struct {
	UID    string `arg:"" optional:"" help:"Show only this peer."`
	Forget bool   `help:"Remove the given peer from the journal."`
}

func (h *historyCmd) Run(g *globals) error {
	store, err := openJournal(g)
	if err != nil {
		return err
	}
	defer store.Close()

	if h.ID != "" {
		return printRun(os.Stdout, store, h.ID)
	}
	return printHistory(os.Stdout, store, h.Peer, h.Limit)
}

func (p *peersCmd) Run(g *globals) error {
	store, err := openJournal(g)
	if err != nil {
		return err
	}
	defer store.Close()

	switch {
	case p.Forget && p.UID == "":
		return errors.New("--forget needs a peer UID")
	case p.Forget:
		if err := store.RemovePeer(p.UID); err != nil {
			return fmt.Errorf("forget %s: %w", p.UID, err)
		}
		fmt.Printf("Forgot peer %s\n", p.UID)
		return nil
	case p.UID != "":
		return printPeer(os.Stdout, store, p.UID)
	}
	return printPeers(os.Stdout, store)
}

// openJournal opens an existing journal. It never creates one.
func openJournal(g *globals) (*storage.Store, error) {
	dataDir, err := g.resolveDataDir()
	if err != nil {
		return nil, err
	}
	dbPath := filepath.Join(dataDir, storage.DefaultDBFileName)
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("no journal at %s: %w", dbPath, err)
	}
	return storage.OpenPath(dbPath)
}

func printHistory(w io.Writer, store *storage.Store, peer string, limit int) error {
	runs, err := store.ListSyncRuns(peer, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No sync runs recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tPEER\tRESULT\tUPLOADED\tDELETED\tBYTES\tATTEMPTS\tRUN")
	for _, run := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			formatMillis(run.StartedAt), run.PeerUID, run.Result,
			run.Uploaded, run.Deleted, run.Bytes, run.Attempts, run.RunID)
	}
	return tw.Flush()
}

func printRun(w io.Writer, store *storage.Store, runID string) error {
	run, err := store.GetSyncRun(runID)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("run %s not found", runID)
	}
	if err != nil {
		return err
	}
	ops, err := store.ListFileOps(runID)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Run:      %s\n", run.RunID)
	fmt.Fprintf(w, "Peer:     %s (%s)\n", run.PeerUID, run.PeerAddr)
	fmt.Fprintf(w, "Started:  %s\n", formatMillis(run.StartedAt))
	fmt.Fprintf(w, "Finished: %s\n", formatMillis(run.FinishedAt))
	fmt.Fprintf(w, "Result:   %s %s\n", run.Result, run.Message)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "OP\tPATH\tSIZE\tSTATUS")
	for _, op := range ops {
		status := "ok"
		if !op.OK {
			status = op.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", op.Op, op.RelativePath, op.Size, status)
	}
	return tw.Flush()
}

func printPeers(w io.Writer, store *storage.Store) error {
	peers, err := store.ListPeers()
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		fmt.Fprintln(w, "No peers recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UID\tADDRESS\tMASTER\tSOURCE\tFIRST SEEN\tLAST SEEN")
	for _, p := range peers {
		fmt.Fprintf(tw, "%s\t%s:%d\t%t\t%s\t%s\t%s\n",
			p.UID, p.IP, p.SyncPort, p.IsMaster, p.Source,
			formatMillis(p.FirstSeen), formatMillis(p.LastSeen))
	}
	return tw.Flush()
}

func printPeer(w io.Writer, store *storage.Store, uid string) error {
	p, err := store.GetPeer(uid)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("peer %s not found", uid)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "UID:        %s\n", p.UID)
	fmt.Fprintf(w, "Address:    %s:%d\n", p.IP, p.SyncPort)
	fmt.Fprintf(w, "Master:     %t\n", p.IsMaster)
	fmt.Fprintf(w, "Source:     %s\n", p.Source)
	fmt.Fprintf(w, "First Seen: %s\n", formatMillis(p.FirstSeen))
	fmt.Fprintf(w, "Last Seen:  %s\n", formatMillis(p.LastSeen))

	runs, err := store.ListSyncRuns(uid, 1)
	if err != nil {
		return err
	}
	if len(runs) > 0 {
		fmt.Fprintf(w, "Last Run:   %s %s (%s)\n", runs[0].Result, formatMillis(runs[0].StartedAt), runs[0].RunID)
	}
	return nil
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}
