package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/PhoneCam/internal/emulator"
)

var emulateCmd = &cobra.Command{
	Use:   "emulate",
	Short: "Pretend to be a phone streaming a test pattern",
	Long: `Listen like the phone app does and stream a generated test pattern to
whichever receiver connects. Camera switch commands flip between a blue
"back" and a green "front" pattern.`,
	Example: `  # Terminal 1
  phonecam emulate

  # Terminal 2
  phonecam run --backend null`,
	RunE: runEmulate,
}

var emulateCfg = emulator.DefaultConfig()

func init() {
	rootCmd.AddCommand(emulateCmd)

	f := emulateCmd.Flags()
	f.StringVar(&emulateCfg.Addr, "listen", emulateCfg.Addr, "listen address")
	f.IntVar(&emulateCfg.Width, "width", emulateCfg.Width, "frame width")
	f.IntVar(&emulateCfg.Height, "height", emulateCfg.Height, "frame height")
	f.IntVar(&emulateCfg.FPS, "fps", emulateCfg.FPS, "frames per second")
	f.IntVar(&emulateCfg.Quality, "quality", emulateCfg.Quality, "JPEG quality (1-100)")
}

func runEmulate(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return emulator.New(emulateCfg).Serve(ctx)
}
