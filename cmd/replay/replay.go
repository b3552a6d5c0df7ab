package replay

import (
	"context"
	"fmt"

	"github.com/endorses/rtsphelper/internal/pkg/helper"
	"github.com/endorses/rtsphelper/internal/pkg/logger"
	rp "github.com/endorses/rtsphelper/internal/pkg/replay"
	"github.com/endorses/rtsphelper/internal/pkg/signals"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var ReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Run a capture through the RTSP helper",
	Long: `Replay a pcap or pcapng capture through connection tracking and the RTSP
helper. Packets the helper accepts are written, rewritten where a translated
client requires it, and a summary of the session is printed.`,
	Example: `  rtsphelper replay -r session.pcap
  rtsphelper replay -r session.pcap -w translated.pcap --nat --port 554 --port 8554`,
	Args: cobra.NoArgs,
	RunE: runReplay,
}

var (
	readFile    string
	writeFile   string
	metricsFile string
)

func init() {
	ReplayCmd.Flags().StringVarP(&readFile, "read-file", "r", "", "read packets from pcap or pcapng file")
	ReplayCmd.Flags().StringVarP(&writeFile, "write-file", "w", "", "write accepted packets to pcap file")
	ReplayCmd.Flags().StringVar(&metricsFile, "metrics-file", "", "write replay counters in Prometheus textfile format")
	_ = ReplayCmd.MarkFlagRequired("read-file")

	ReplayCmd.Flags().IntSlice("port", nil, "RTSP control port (repeatable, default 554)")
	ReplayCmd.Flags().Bool("nat", false, "treat control connections as address translated")
	ReplayCmd.Flags().Bool("port-offset", true, "offset client ports by the client address")
	ReplayCmd.Flags().Int("max-outstanding", 0, "pending expectations per control connection")
	ReplayCmd.Flags().Duration("setup-timeout", 0, "lifetime of a pending expectation")
	ReplayCmd.Flags().Int("max-expectations", 0, "table wide expectation limit")

	_ = viper.BindPFlag("rtsp.ports", ReplayCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("rtsp.nat", ReplayCmd.Flags().Lookup("nat"))
	_ = viper.BindPFlag("rtsp.port_offset", ReplayCmd.Flags().Lookup("port-offset"))
	_ = viper.BindPFlag("rtsp.max_outstanding", ReplayCmd.Flags().Lookup("max-outstanding"))
	_ = viper.BindPFlag("rtsp.setup_timeout", ReplayCmd.Flags().Lookup("setup-timeout"))
	_ = viper.BindPFlag("conntrack.max_expectations", ReplayCmd.Flags().Lookup("max-expectations"))
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg := helper.GetConfig()
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signals.Context(context.Background())
	defer stop()

	summary, err := rp.ReplayFile(ctx, cfg, readFile, writeFile)
	if err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}

	if metricsFile != "" {
		if err := summary.WriteMetrics(metricsFile); err != nil {
			return err
		}
	}

	logger.Info("Replay complete",
		"packets", summary.Packets.Packets,
		"dropped", summary.Packets.Dropped,
		"expectations", summary.Helper.Expectations,
		"pending", len(summary.Pending))

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(summary)
}
