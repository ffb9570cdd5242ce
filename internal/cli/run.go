package cli

import (
	"time"

	"github.com/spf13/cobra"

	"heart-rate-alerts/internal/app"
	"heart-rate-alerts/internal/detector"
)

var (
	sourcePath  string
	interval    time.Duration
	consumeKind string
)

var produceCmd = &cobra.Command{
	Use:   "produce",
	Short: "Replay heart-rate readings onto the alert channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Produce(cmd.Context(), produceOptions())
	},
}

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Evaluate one alert kind from its channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := detector.ParseKind(consumeKind)
		if err != nil {
			return err
		}
		return getApp().Consume(cmd.Context(), kind)
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Evaluate every alert kind from the shared monitor channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Monitor(cmd.Context())
	},
}

var runAllCmd = &cobra.Command{
	Use:   "run-all",
	Short: "Run the producer, all evaluators, and the dispatcher in one process",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RunAll(cmd.Context(), produceOptions())
	},
}

func produceOptions() app.ProduceOptions {
	return app.ProduceOptions{SourcePath: sourcePath, Interval: interval}
}

func init() {
	for _, cmd := range []*cobra.Command{produceCmd, runAllCmd} {
		cmd.Flags().StringVar(&sourcePath, "source", "", "Reading CSV to replay (defaults to producer.source_path)")
		cmd.Flags().DurationVar(&interval, "interval", 0, "Delay between readings (defaults to producer.interval)")
	}
	consumeCmd.Flags().StringVar(&consumeKind, "kind", "", "Alert kind: drop, stall or elevated")
	_ = consumeCmd.MarkFlagRequired("kind")
}
