package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"closeloop/internal/domain"
	"closeloop/internal/engine"
	"closeloop/internal/repo"
)

func escalationsCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "escalations",
		Short: "Evaluate escalation rules over open actions",
	}

	var publish bool
	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "List escalations due today, optionally publishing them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evts, err := e.ScanEscalations(ctx, publish)
				if err != nil {
					return err
				}
				return printEscalations(evts)
			})
		},
	}
	scanCmd.Flags().BoolVar(&publish, "publish", false, "publish to the configured notifiers")

	var interval time.Duration
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Scan and publish on an interval until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				return fmt.Errorf("--interval must be positive")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					evts, err := e.ScanEscalations(ctx, true)
					if err != nil {
						fmt.Fprintln(os.Stderr, "scan:", err)
					} else {
						fmt.Printf("%s  %d escalations published\n", time.Now().Format(time.RFC3339), len(evts))
					}
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
				}
			})
		},
	}
	watchCmd.Flags().DurationVar(&interval, "interval", time.Hour, "time between scans")

	c.AddCommand(scanCmd, watchCmd)
	return c
}

func printEscalations(evts []domain.EscalationEvent) error {
	if viper.GetBool("json") {
		return printJSON(evts)
	}
	if len(evts) == 0 {
		fmt.Println("No escalations.")
		return nil
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Type", "Case", "Action", "Recipients", "Message"})
	for _, ev := range evts {
		tw.AppendRow(table.Row{ev.Type, ev.CaseID, ev.ActionID, strings.Join(ev.Recipients, ","), ev.Message})
	}
	tw.Render()
	return nil
}

func logCmd() *cobra.Command {
	c := &cobra.Command{Use: "log", Short: "Event log"}
	var n int
	var follow bool
	var poll time.Duration
	var f repo.EventFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evts, err := e.ListEvents(ctx, n, 0, f)
				if err != nil {
					return err
				}
				if err := printEvents(evts); err != nil || !follow {
					return err
				}
				var last int64
				if newest, err := e.ListEvents(ctx, 1, 0, repo.EventFilters{}); err != nil {
					return err
				} else if len(newest) > 0 {
					last = newest[0].ID
				}
				ticker := time.NewTicker(poll)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
					next, err := e.EventsAfter(ctx, 100, last)
					if err != nil {
						return err
					}
					if len(next) == 0 {
						continue
					}
					last = next[len(next)-1].ID
					if err := printEvents(next); err != nil {
						return err
					}
				}
			})
		},
	}
	tail.Flags().IntVarP(&n, "number", "n", 20, "number of events")
	tail.Flags().StringVar(&f.Type, "type", "", "event type")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	tail.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new events (unfiltered)")
	tail.Flags().DurationVar(&poll, "poll", 2*time.Second, "poll interval with --follow")
	c.AddCommand(tail)
	return c
}

func printEvents(evts []domain.Event) error {
	if viper.GetBool("json") {
		return printJSON(evts)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
	for _, ev := range evts {
		tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + ":" + ev.EntityID, ev.ActorID})
	}
	tw.Render()
	return nil
}
