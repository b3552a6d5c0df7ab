package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/endorses/rtsphelper/cmd/inspect"
	"github.com/endorses/rtsphelper/cmd/replay"
	"github.com/endorses/rtsphelper/internal/pkg/logger"
	"github.com/endorses/rtsphelper/internal/pkg/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "rtsphelper",
	Short: "rtsphelper tracks RTSP sessions and the media flows they negotiate",
	Long: `rtsphelper follows RTSP control connections the way a firewall connection
tracking helper does: it opens expectations for the RTP/RTCP flows announced
by SETUP and its reply, and rewrites client ports for translated clients.`,
	Version:           version.GetFullVersion(),
	SilenceUsage:      true,
	PersistentPreRunE: applyLogLevel,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func addSubCommandPalattes() {
	rootCmd.AddCommand(inspect.InspectCmd)
	rootCmd.AddCommand(replay.ReplayCmd)
	rootCmd.AddCommand(versionCmd)
}

func init() {
	cobra.OnInitialize(initConfig)

	// Structured logs go to stderr, command output to stdout
	logger.InitializeWithWriter(os.Stderr)

	addSubCommandPalattes()
	rootCmd.SetGlobalNormalizationFunc(wordSepNormalizeFunc)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/rtsphelper/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// wordSepNormalizeFunc accepts config key spelling on the command line,
// so --port_offset is --port-offset
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func applyLogLevel(cmd *cobra.Command, args []string) error {
	l, err := logger.ParseLevel(viper.GetString("log.level"))
	if err != nil {
		return err
	}
	logger.SetLevel(l)
	return nil
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// ~/.config/rtsphelper/config.yaml, then ~/.config/rtsphelper.yaml,
		// then ~/.rtsphelper.yaml
		viper.AddConfigPath(home + "/.config/rtsphelper")
		viper.AddConfigPath(home + "/.config")
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")

		viper.SetConfigName("config")
		if err := viper.ReadInConfig(); err != nil {
			viper.SetConfigName("rtsphelper")
		}
	}

	viper.SetEnvPrefix("rtsphelper")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
