package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bryanchriswhite/PhoneCam/internal/config"
	"github.com/bryanchriswhite/PhoneCam/internal/logger"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "phonecam",
		Short: "PhoneCam - Use a phone camera as a Linux virtual webcam",
		Long: `PhoneCam connects to a phone streaming camera frames over TCP and
republishes them as a virtual camera device that other applications can open.

Features:
  • Length-prefixed JPEG frame stream from the phone
  • v4l2loopback output through GStreamer
  • Camera switching and free-form commands back to the phone
  • Live preview over HTTP (MJPEG) or in an X11 window
  • Automatic reconnect with backoff
  • REST API, event websocket and Prometheus metrics`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.Init(viper.GetString("log_level"), true)
		},
		SilenceUsage: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/phonecam/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "API server port (default is 8080)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	// Bind flags to viper
	viper.BindPFlag("server_port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

// loadConfig opens the config manager on the global viper so bound flags
// take precedence over the file
func loadConfig() (*config.Manager, error) {
	mgr, err := config.NewManager(cfgFile, viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.SetLevel(mgr.Get().LogLevel)
	return mgr, nil
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
