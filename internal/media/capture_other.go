//go:build !linux

package media

import "github.com/petervdpas/goopcall/internal/config"

// Camera and microphone drivers are only wired for Linux.
func newDevices(config.Media) (Source, error) {
	return nil, ErrUnsupported
}
