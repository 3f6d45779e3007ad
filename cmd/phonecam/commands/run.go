package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bryanchriswhite/PhoneCam/internal/api"
	"github.com/bryanchriswhite/PhoneCam/internal/config"
	"github.com/bryanchriswhite/PhoneCam/internal/controller"
	"github.com/bryanchriswhite/PhoneCam/internal/logger"
	"github.com/bryanchriswhite/PhoneCam/internal/metrics"
	"github.com/bryanchriswhite/PhoneCam/internal/output"
	"github.com/bryanchriswhite/PhoneCam/internal/overlay"
	"github.com/bryanchriswhite/PhoneCam/internal/session"
	"github.com/bryanchriswhite/PhoneCam/internal/vcam"
	"github.com/bryanchriswhite/PhoneCam/internal/vcam/gstreamer"
	"github.com/bryanchriswhite/PhoneCam/internal/vcam/subprocess"
)

var runCmd = &cobra.Command{
	Use:     "run",
	Aliases: []string{"serve"},
	Short:   "Connect to the phone and publish the virtual camera",
	Long: `Connect to the phone, decode its JPEG stream and feed the frames to a
virtual camera device. The HTTP API, live preview and metrics are served
alongside.`,
	Example: `  # Connect to a phone over adb forward on the default port
  adb forward tcp:8888 tcp:8888
  phonecam run

  # Connect to a phone on the LAN at 15 fps
  phonecam run --host 192.168.1.40 --fps 15

  # Start idle and connect later from the web UI
  phonecam run --no-start

  # Test without a loopback device
  phonecam run --backend null`,
	RunE: runRun,
}

var noStart bool

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.String("host", "", "phone address (default 127.0.0.1)")
	f.Int("phone-port", 0, "phone TCP port (default 8888)")
	f.Int("fps", 0, "target frame rate (default 30)")
	f.String("backend", "", "virtual camera backend (gstreamer, subprocess, null)")
	f.String("device", "", "v4l2loopback device (default /dev/video10)")
	f.Bool("x11", false, "show a preview window")
	f.Bool("reconnect", false, "reconnect after unexpected disconnects")
	f.BoolVar(&noStart, "no-start", false, "do not connect until asked through the API")

	viper.BindPFlag("endpoint.host", f.Lookup("host"))
	viper.BindPFlag("endpoint.port", f.Lookup("phone-port"))
	viper.BindPFlag("stream.target_fps", f.Lookup("fps"))
	viper.BindPFlag("sink.backend", f.Lookup("backend"))
	viper.BindPFlag("sink.device", f.Lookup("device"))
	viper.BindPFlag("preview.x11_enabled", f.Lookup("x11"))
	viper.BindPFlag("reconnect.enabled", f.Lookup("reconnect"))
}

// buildSink returns the virtual camera backend named in cfg
func buildSink(cfg config.SinkConfig) (vcam.Sink, error) {
	switch cfg.Backend {
	case config.BackendGStreamer:
		return gstreamer.New(cfg.Device), nil
	case config.BackendSubprocess:
		return subprocess.New(cfg.Device), nil
	case config.BackendNull:
		return vcam.NewMemorySink(false), nil
	default:
		return nil, fmt.Errorf("unknown sink backend %q", cfg.Backend)
	}
}

func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		Endpoint:       session.Endpoint{Host: cfg.Endpoint.Host, Port: cfg.Endpoint.Port},
		TargetFPS:      cfg.Stream.TargetFPS,
		Format:         vcam.PixelFormat(cfg.Sink.PixelFormat),
		ConnectTimeout: cfg.Stream.ConnectTimeout,
		ReadTimeout:    cfg.Stream.ReadTimeout,
		ChunkTimeout:   cfg.Stream.ChunkTimeout,
		MaxFrameBytes:  cfg.Stream.MaxFrameBytes,
		MaxFramePixels: cfg.Stream.MaxFramePixels,
	}
}

// trackStatus mirrors session events into the preview overlay
func trackStatus(events <-chan session.Event, w *overlay.TextWidget) {
	for ev := range events {
		text := fmt.Sprintf("%s: %s", ev.State, ev.Message)
		if ev.Type == session.EventConnected && ev.Device != nil {
			text = fmt.Sprintf("%s\n%s", ev.State, ev.Device)
		}
		w.SetText(text)
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("main")

	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := configMgr.Get()
	log.Info().Str("path", configMgr.GetConfigPath()).Str("log_level", cfg.LogLevel).Msg("Configuration loaded")

	m := metrics.New()

	sink, err := buildSink(cfg.Sink)
	if err != nil {
		return err
	}
	log.Info().Str("backend", sink.Name()).Str("device", cfg.Sink.Device).Msg("Virtual camera backend selected")

	// Preview overlay with a status line
	var ov *overlay.Manager
	var statusWidget *overlay.TextWidget
	if cfg.Preview.Overlay {
		ov = overlay.NewManager()
		statusWidget = overlay.NewTextWidget("status", overlay.BottomLeft)
		statusWidget.SetText("idle")
		if err := ov.AddWidget(statusWidget); err != nil {
			return err
		}
	}

	previewCfg := output.Config{
		Width:   cfg.Preview.Width,
		Height:  cfg.Preview.Height,
		Quality: cfg.Preview.Quality,
	}
	outputs := output.NewMulti()

	var mjpeg *output.MJPEGOutput
	if cfg.Preview.HTTPEnabled {
		mjpeg = output.NewMJPEGOutput(previewCfg, ov)
		mjpeg.OnClientsChanged(m.SetPreviewClients)
		outputs.Add(mjpeg)
	}
	if cfg.Preview.X11Enabled {
		x11, err := output.NewX11Output(previewCfg, ov)
		if err != nil {
			log.Warn().Err(err).Msg("X11 preview unavailable, continuing without it")
		} else {
			outputs.Add(x11)
		}
	}
	if err := outputs.Start(); err != nil {
		return fmt.Errorf("failed to start preview: %w", err)
	}
	defer outputs.Stop()

	opts := controller.Options{
		Session: sessionConfig(cfg),
		Reconnect: controller.ReconnectConfig{
			Enabled:       cfg.Reconnect.Enabled,
			MaxRetries:    cfg.Reconnect.MaxRetries,
			RetryDelay:    cfg.Reconnect.RetryDelay,
			MaxRetryDelay: cfg.Reconnect.MaxRetryDelay,
		},
		ShutdownGrace: cfg.Stream.ShutdownGrace,
		Metrics:       m,
	}
	if outputs.Len() > 0 {
		opts.Preview = outputs
	}
	ctrl := controller.New(sink, opts)

	if statusWidget != nil {
		events := ctrl.Subscribe()
		defer ctrl.Unsubscribe(events)
		go trackStatus(events, statusWidget)
	}

	configMgr.Watch(func(c *config.Config) {
		logger.SetLevel(c.LogLevel)
	})

	server := api.NewServer(ctrl, configMgr, mjpeg, m)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(cfg.ServerPort)
	}()

	if !noStart {
		if err := ctrl.Start(session.Endpoint{}, 0); err != nil {
			return fmt.Errorf("failed to start session: %w", err)
		}
	}

	log.Info().
		Str("web_ui", fmt.Sprintf("http://localhost:%d", cfg.ServerPort)).
		Str("phone", fmt.Sprintf("%s:%d", cfg.Endpoint.Host, cfg.Endpoint.Port)).
		Msg("PhoneCam is running, press Ctrl+C to stop")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully")
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("Server error")
		}
	}

	var errs []error
	if err := ctrl.Shutdown(cfg.Stream.ShutdownGrace); err != nil {
		errs = append(errs, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}
	return errors.Join(errs...)
}
