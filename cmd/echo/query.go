package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/FranksOps/echo/internal/pipeline"
	"github.com/FranksOps/echo/internal/report"
	"github.com/FranksOps/echo/internal/server"
	"github.com/FranksOps/echo/internal/stream"
)

// formatEvents streams the raw events as JSON lines.
const formatEvents = "events"

func newQueryCmd(o *rootOptions) *cobra.Command {
	var (
		filters server.FilterRequest
		minEng  float64
		format  string
	)
	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Run one query and print the ranked posts",
		Example: `  echo query "what do people think about the new framework?"
  echo query --platform reddit --time-range week --format markdown "rust vs go"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("min-engagement") {
				filters.MinEngagement = &minEng
			}
			f, err := filters.Filters()
			if err != nil {
				return err
			}
			if err := checkFormat(format); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, o.cfg, o.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			req := pipeline.Request{Query: strings.Join(args, " "), Filters: f}
			out := cmd.OutOrStdout()
			if format == formatEvents {
				return a.pipeline.Run(ctx, req, stream.NewWriterSink(out))
			}

			var col report.Collector
			runErr := a.pipeline.Run(ctx, req, &col)
			if err := report.Write(out, report.Format(format), col.Result()); err != nil {
				return err
			}
			return runErr
		},
	}

	fl := cmd.Flags()
	fl.StringSliceVarP(&filters.Platforms, "platform", "p", nil, "restrict to reddit and/or twitter")
	fl.StringVarP(&filters.TimeRange, "time-range", "t", "", "day, week, month or year")
	fl.StringVarP(&filters.Sentiment, "sentiment", "s", "", "positive, negative, neutral or any")
	fl.Float64Var(&minEng, "min-engagement", 0, "minimum engagement score")
	fl.StringVarP(&format, "format", "f", string(report.FormatText), "text, markdown, json, csv or events")
	return cmd
}

func checkFormat(f string) error {
	switch f {
	case formatEvents, string(report.FormatText), string(report.FormatMarkdown), "md",
		string(report.FormatJSON), string(report.FormatCSV):
		return nil
	}
	return fmt.Errorf("unknown format %q", f)
}
