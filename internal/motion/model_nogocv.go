//go:build !gocv

package motion

import "errors"

func newGocvModel(ModelConfig) (BackgroundModel, error) {
	return nil, errors.New("gocv motion backend not compiled in (build with -tags gocv)")
}
