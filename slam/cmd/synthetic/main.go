// Package main runs visual odometry over a rendered synthetic sequence and writes the estimated
// trajectory in the TUM format.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/disintegration/imaging"
	"github.com/golang/geo/r3"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	goutils "go.viam.com/utils"

	"go.viam.com/dso/config"
	"go.viam.com/dso/logging"
	"go.viam.com/dso/rimage"
	"go.viam.com/dso/rimage/transform"
	"go.viam.com/dso/slam/fullsystem"
	"go.viam.com/dso/slam/output"
	"go.viam.com/dso/slam/synthetic"
)

func main() {
	goutils.ContextualMain(mainWithArgs, zap.Must(zap.NewDevelopment()).Sugar())
}

// Arguments for the command.
type Arguments struct {
	Output        string `flag:"0,usage=trajectory file, stdout when empty"`
	Frames        int    `flag:"frames,default=120,usage=number of frames to render"`
	StepMM        int    `flag:"step-mm,default=30,usage=camera motion per frame along x in millimeters"`
	Seed          int    `flag:"seed,default=5,usage=texture seed"`
	Preset        int    `flag:"preset,default=0,usage=settings preset from 0 to 3"`
	ConfigFile    string `flag:"config,usage=json file of settings, overrides the preset"`
	Calibration   string `flag:"calibration,usage=json file of pinhole intrinsics"`
	Snapshot      string `flag:"snapshot,usage=save the first rendered frame to this image file"`
	DepthImage    string `flag:"depth-image,usage=draw the points of the newest keyframe to this image file"`
	Plot          string `flag:"plot,usage=plot the aligned trajectory against ground truth to this file"`
	KeyframesOnly bool   `flag:"keyframes,usage=only write keyframe poses"`
	Sync          bool   `flag:"sync,usage=map on the tracking goroutine"`
	Debug         bool   `flag:"debug"`
}

func mainWithArgs(ctx context.Context, args []string, zlogger *zap.SugaredLogger) error {
	var argsParsed Arguments
	if err := goutils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}
	logger := logging.FromZapCompatible(zlogger)
	if argsParsed.Debug {
		logger.SetLevel(logging.DEBUG)
	} else {
		logger.SetLevel(logging.INFO)
	}
	if argsParsed.Frames < 2 {
		return errors.Errorf("need at least 2 frames, got %d", argsParsed.Frames)
	}

	settings, err := loadSettings(argsParsed)
	if err != nil {
		return err
	}
	settings.LinearizeOperation = argsParsed.Sync

	intr := synthetic.DefaultIntrinsics()
	if argsParsed.Calibration != "" {
		loaded, err := transform.NewPinholeCameraIntrinsicsFromJSONFile(argsParsed.Calibration)
		if err != nil {
			return err
		}
		intr = *loaded
	}

	return runOdometry(ctx, argsParsed, settings, intr, logger)
}

func loadSettings(args Arguments) (config.Settings, error) {
	if args.ConfigFile == "" {
		return config.Preset(args.Preset)
	}
	//nolint:gosec
	data, err := os.ReadFile(args.ConfigFile)
	if err != nil {
		return config.Settings{}, err
	}
	var attributes map[string]interface{}
	if err := json.Unmarshal(data, &attributes); err != nil {
		return config.Settings{}, errors.Wrapf(err, "cannot parse %q", args.ConfigFile)
	}
	return config.FromAttributes(attributes)
}

func runOdometry(
	ctx context.Context,
	args Arguments,
	settings config.Settings,
	intr transform.PinholeCameraIntrinsics,
	logger logging.Logger,
) (err error) {
	poses := synthetic.StraightLine(args.Frames, r3.Vector{X: float64(args.StepMM) / 1000})
	seq, err := synthetic.RenderSequence(ctx, synthetic.NewPlaneScene(uint32(args.Seed)), intr, poses, 1, 0.05)
	if err != nil {
		return err
	}
	if args.Snapshot != "" {
		if err := seq.Frames[0].Image.Save(args.Snapshot); err != nil {
			return errors.Wrap(err, "cannot save snapshot")
		}
	}

	// frames go through the 8-bit camera pipeline
	undistorter, err := rimage.NewPhotometricUndistorter(intr.Width, intr.Height, nil, nil)
	if err != nil {
		return err
	}

	recorder := output.NewTrajectoryRecorder()
	fs, err := fullsystem.New(settings, intr, logger.Sublogger("dso"), recorder, output.NewSampleOutput(logger.Sublogger("output")))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, fs.Close())
	}()

	for i, rendered := range seq.Frames {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, err := undistorter.Undistort(rendered.Image.ToGray(), rendered.ExposureTime, rendered.Timestamp, 1)
		if err != nil {
			return err
		}
		frame.GroundTruth = rendered.GroundTruth
		if err := fs.AddActiveFrame(frame, i); err != nil {
			return err
		}
		if fs.IsLost() {
			logger.Warnf("tracking lost at frame %d", i)
			break
		}
	}
	if err := fs.Flush(); err != nil {
		return err
	}

	logger.Info("\n" + statisticsTable(fs.Statistics(), recorder.NumResets()))

	history := fs.FrameHistory()
	if aligned, err := output.AlignTrajectory(history, recorder.GroundTruth()); err != nil {
		logger.Warnw("cannot compare with ground truth", "error", err)
	} else {
		logger.Infow("trajectory error after scale alignment", "scale", aligned.Scale, "rmse", aligned.RMSE)
		if args.Plot != "" {
			if err := aligned.SavePlot(args.Plot); err != nil {
				return err
			}
		}
	}
	if keyframes := recorder.Keyframes(); args.DepthImage != "" && len(keyframes) == 0 {
		logger.Warn("no keyframe to draw")
	} else if args.DepthImage != "" {
		if err := saveDepthImage(args.DepthImage, keyframes, history, seq, intr); err != nil {
			return err
		}
	}

	return writeTrajectory(fs, args)
}

func statisticsTable(stats fullsystem.Statistics, resets int) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Statistic", "Value"})
	t.AppendRows([]table.Row{
		{"frames", stats.Frames},
		{"keyframes", stats.Keyframes},
		{"dropped frames", stats.DroppedFrames},
		{"tracking failures", stats.TrackingFailures},
		{"numerical failures", stats.NumericalFailures},
		{"hypotheses per frame", fmt.Sprintf("%.2f", stats.MeanHypotheses)},
		{"activated points", stats.ActivatedPoints},
		{"marginalized points", stats.MarginalizedPoints},
		{"dropped points", stats.DroppedPoints},
		{"tracking mean", stats.TrackingMean},
		{"tracking median", stats.TrackingMedian},
		{"mapping mean", stats.MappingMean},
		{"mapping median", stats.MappingMedian},
		{"resets", resets},
	})
	for _, status := range lo.Keys(stats.Traces) {
		t.AppendRow(table.Row{"traces " + status, stats.Traces[status]})
	}
	t.SortBy([]table.SortBy{{Name: "Statistic", Mode: table.Asc}})
	return t.Render()
}

// saveDepthImage draws the points of the newest recorded keyframe over its input frame.
func saveDepthImage(
	path string,
	keyframes []output.Keyframe,
	history []output.CamPose,
	seq *synthetic.Sequence,
	intr transform.PinholeCameraIntrinsics,
) error {
	newest := lo.MaxBy(keyframes, func(a, b output.Keyframe) bool { return a.KeyframeID > b.KeyframeID })
	var background *rimage.FloatImage
	if pose, ok := lo.Find(history, func(p output.CamPose) bool { return p.FrameID == newest.FrameID }); ok &&
		pose.IncomingID >= 0 && pose.IncomingID < len(seq.Frames) {
		background = seq.Frames[pose.IncomingID].Image
	}
	img := output.RenderKeyframe(newest, background, intr.Width, intr.Height)
	return errors.Wrap(imaging.Save(img, path), "cannot save depth image")
}

func writeTrajectory(fs *fullsystem.FullSystem, args Arguments) (err error) {
	var w io.Writer = os.Stdout
	if args.Output != "" {
		//nolint:gosec
		f, createErr := os.Create(args.Output)
		if createErr != nil {
			return createErr
		}
		defer func() {
			err = multierr.Combine(err, f.Close())
		}()
		w = f
	}
	return fs.WriteTrajectory(w, args.KeyframesOnly)
}
