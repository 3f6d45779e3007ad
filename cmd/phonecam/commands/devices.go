package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/PhoneCam/internal/vcam"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List video devices",
	Long: `List V4L2 video devices and flag the ones that look like v4l2loopback
outputs. Create one with:

  sudo modprobe v4l2loopback video_nr=10 card_label=PhoneCam exclusive_caps=1`,
	RunE: runDevices,
}

var loopbackOnly bool

func init() {
	rootCmd.AddCommand(devicesCmd)
	devicesCmd.Flags().BoolVar(&loopbackOnly, "loopback", false, "only show loopback devices")
}

func runDevices(cmd *cobra.Command, args []string) error {
	devices, err := vcam.ListDevices(vcam.SysfsVideoRoot)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tNAME\tLOOPBACK")
	shown := 0
	for _, d := range devices {
		if loopbackOnly && !d.Loopback {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%t\n", d.Path, d.Name, d.Loopback)
		shown++
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if shown == 0 {
		fmt.Println("No matching video devices found")
	}
	return nil
}
