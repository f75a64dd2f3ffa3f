package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/posefusion/internal/datalog"
	"github.com/banshee-data/posefusion/internal/httputil"
	"github.com/banshee-data/posefusion/internal/monitor"
)

func newStatusCmd(g *globals) *cobra.Command {
	var addr string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running daemon's monitor for its status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = g.env.HTTPListen
			}
			url := addr
			if !strings.Contains(url, "://") {
				url = "http://" + url
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var snap monitor.Snapshot
			if err := httputil.GetJSON(ctx, &http.Client{}, url+"/status", &snap); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "status %s at %s (%d cycles, %d tracks)\n", snap.Status, snap.Time.Format(time.RFC3339), snap.Cycles, len(snap.Tracks))
			if snap.IMUOffset != nil {
				fmt.Fprintf(out, "imu offset %s\n", *snap.IMUOffset)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "WORKER\tSTATE\tREMOTE\tRESTARTS\tFLUSHING\tERROR")
			for _, w := range snap.Workers {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\t%s\n", w.Name, w.State, w.Remote, w.Restarts, w.Flushing, w.Error)
			}
			for _, name := range snap.Disabled {
				fmt.Fprintf(tw, "%s\tdisabled\t\t\t\t\n", name)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "monitor address (default $POSEFUSION_HTTP_LISTEN)")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
	return cmd
}

func newDatalogCmd(g *globals) *cobra.Command {
	var path string
	datalogCmd := &cobra.Command{
		Use:   "datalog",
		Short: "Inspect the datalog database",
	}
	datalogCmd.PersistentFlags().StringVar(&path, "db", "", "datalog path (default $POSEFUSION_DATALOG_PATH)")

	summary := &cobra.Command{
		Use:   "summary",
		Short: "List recorded runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path == "" {
				path = g.env.DatalogPath
			}
			if path == "" {
				return fmt.Errorf("no datalog path: pass --db or set POSEFUSION_DATALOG_PATH")
			}
			db, err := datalog.Open(path)
			if err != nil {
				return err
			}
			defer db.Close()
			runs, err := db.Summary(cmd.Context())
			if err != nil {
				return err
			}
			return writeSummary(cmd, runs)
		},
	}
	datalogCmd.AddCommand(summary)
	return datalogCmd
}

func writeSummary(cmd *cobra.Command, runs []datalog.RunSummary) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tDURATION\tPOSES\tTAG POSES\tCORRECTIONS\tDETECTIONS\tEVENTS\tWORKERS")
	for _, r := range runs {
		duration := "running"
		if !r.EndedAt.IsZero() {
			duration = r.EndedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			r.ID, r.StartedAt.Format(time.RFC3339), duration,
			r.Poses, r.TagPoses, r.Corrections, r.Detections, r.WorkerEvents, strings.Join(r.Workers, ","))
	}
	return tw.Flush()
}
