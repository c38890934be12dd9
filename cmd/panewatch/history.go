package main

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/twistedxcom/panewatch/internal/config"
	"github.com/twistedxcom/panewatch/internal/history"
)

func runHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	dir := fs.String("dir", "", "panewatch directory (default ~/.panewatch, or $PANEWATCH_DIR)")
	session := fs.String("session", "", "only show transitions for this session")
	limit := fs.Int("limit", 50, "maximum number of transitions to show")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*dir)
	if err != nil {
		return err
	}

	store, err := history.Open(cfg.HistoryPath())
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer store.Close()

	var transitions []history.Transition
	if *session != "" {
		transitions, err = store.BySession(*session, *limit)
	} else {
		transitions, err = store.Recent(*limit)
	}
	if err != nil {
		return fmt.Errorf("query journal: %w", err)
	}
	if len(transitions) == 0 {
		fmt.Println("no transitions recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSESSION\tTOOL\tTRANSITION\tSOURCE\tSUMMARY")
	for _, t := range transitions {
		name := t.Title
		if name == "" {
			name = t.SessionID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s -> %s\t%s\t%s\n",
			t.At.Local().Format("2006-01-02 15:04:05"),
			name, t.Tool, t.From, t.To, t.Source, t.Summary)
	}
	return w.Flush()
}
