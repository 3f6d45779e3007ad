package vcam

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SysfsVideoRoot is where the kernel lists V4L2 devices
const SysfsVideoRoot = "/sys/class/video4linux"

// VideoDevice is a V4L2 device node
type VideoDevice struct {
	Path string `json:"path"`
	Name string `json:"name"`
	// Loopback is a best guess from the card label
	Loopback bool `json:"loopback"`
}

// ListDevices reads device names from a sysfs video4linux directory. A
// missing directory yields no devices.
func ListDevices(root string) ([]VideoDevice, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", root, err)
	}

	var devices []VideoDevice
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "video") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(root, e.Name(), "name"))
		if err != nil {
			continue
		}
		name := strings.TrimSpace(string(raw))
		devices = append(devices, VideoDevice{
			Path:     "/dev/" + e.Name(),
			Name:     name,
			Loopback: isLoopbackName(name),
		})
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Path < devices[j].Path })
	return devices, nil
}

func isLoopbackName(name string) bool {
	n := strings.ToLower(name)
	return strings.Contains(n, "loopback") || strings.Contains(n, "dummy") || strings.Contains(n, "phonecam")
}
