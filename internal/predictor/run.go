// Package predictor classifies digit images from a directory with a loaded
// model.
package predictor

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"mnist-forge/internal/config"
	"mnist-forge/internal/dataset"
	"mnist-forge/internal/display"
	"mnist-forge/internal/logging"
	"mnist-forge/internal/model"
)

// Options configures a Run.
type Options struct {
	InputDir string
	Ext      string
	// OnError is config.OnErrorAbort (default) or config.OnErrorSkip.
	OnError string
	// Display, when set, draws each image after its prediction.
	Display *display.Renderer
	Out     io.Writer
	Logger  *zap.SugaredLogger
}

// Result is the prediction for one image.
type Result struct {
	Path  string
	Class int
	Probs []float32
}

// Run predicts every image in opts.InputDir, in sorted file name order, and
// prints "Prediction: N" for each. An image that cannot be read or has the
// wrong shape aborts the run unless OnError is skip, in which case it is
// logged and left out of the results.
func Run(ctx context.Context, handle model.Predictor, opts Options) ([]Result, error) {
	if opts.Ext == "" {
		opts.Ext = ".png"
	}
	if opts.OnError == "" {
		opts.OnError = config.OnErrorAbort
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}

	paths, err := dataset.DiscoverImages(opts.InputDir, opts.Ext)
	if err != nil {
		return nil, err
	}
	opts.Logger.Infow("predicting", "dir", opts.InputDir, "images", len(paths))

	results := make([]Result, 0, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, digit, err := predictOne(handle, path)
		if err != nil {
			if opts.OnError == config.OnErrorSkip {
				opts.Logger.Warnw("skipping image", "path", path, "err", err)
				continue
			}
			return results, err
		}
		results = append(results, res)
		opts.Logger.Debugw("prediction", "path", path, "class", res.Class, "p", res.Probs[res.Class])
		if _, err := fmt.Fprintf(opts.Out, "Prediction: %d\n", res.Class); err != nil {
			return results, err
		}
		if opts.Display != nil {
			if err := opts.Display.Render(digit.Gray); err != nil {
				return results, err
			}
		}
	}
	return results, nil
}

func predictOne(handle model.Predictor, path string) (Result, *dataset.Digit, error) {
	digit, err := dataset.ReadDigit(path)
	if err != nil {
		return Result{}, nil, err
	}
	probs, err := handle.Predict(digit.Tensor(), 1)
	if err != nil {
		return Result{}, nil, fmt.Errorf("%s: %w", path, err)
	}
	return Result{Path: path, Class: model.ArgMax(probs[0]), Probs: probs[0]}, digit, nil
}
