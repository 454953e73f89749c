//go:build !gocv

package camera

import (
	"errors"

	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/config"
)

func newGocvSource(config.CameraConfig) (Source, error) {
	return nil, errors.New("gocv camera source not compiled in (build with -tags gocv)")
}
