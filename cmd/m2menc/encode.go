package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/thesyncim/hwmedia"
	"golang.org/x/sync/errgroup"
)

func newEncodeCmd() *cobra.Command {
	opts := defaultEncodeOptions()
	var profilePath string

	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Encode a test pattern to an Annex B file, RTP or RTMP",
		RunE: func(cmd *cobra.Command, args []string) error {
			if profilePath != "" {
				if err := opts.loadProfile(profilePath, cmd.Flags()); err != nil {
					return err
				}
			}
			return runEncode(cmd.Context(), newLogger(), opts)
		},
	}
	cmd.Flags().StringVar(&profilePath, "config", "", "YAML profile; explicit flags take precedence")
	opts.bindFlags(cmd.Flags())
	return cmd
}

func (o encodeOptions) encoderConfig(log *zerolog.Logger) (hwmedia.VideoEncoderConfig, error) {
	codec, err := hwmedia.ParseVideoCodec(o.Codec)
	if err != nil {
		return hwmedia.VideoEncoderConfig{}, err
	}
	rc, err := hwmedia.ParseRateControlMode(o.RateControl)
	if err != nil {
		return hwmedia.VideoEncoderConfig{}, err
	}
	profile, err := hwmedia.ParseH264Profile(o.Profile)
	if err != nil {
		return hwmedia.VideoEncoderConfig{}, err
	}

	cfg := hwmedia.DefaultVideoEncoderConfig(codec, o.Width, o.Height)
	cfg.Provider = hwmedia.ProviderV4L2M2M
	cfg.FPS = o.FPS
	cfg.BitrateBps = o.Bitrate
	cfg.MaxBitrateBps = o.MaxBitrate
	cfg.KeyframeInterval = o.Keyframe
	cfg.RateControlMode = rc
	cfg.H264Profile = profile
	cfg.DevicePath = o.Device
	cfg.WarmupFrames = o.Warmup
	cfg.Logger = log
	return cfg, nil
}

// stdout receives the stream for --out -.
var stdout io.Writer = os.Stdout

// closers closes every opened output and reports all failures.
type closers []io.Closer

func (c closers) Close() error {
	var result *multierror.Error
	for _, cl := range c {
		if err := cl.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// openSink opens every requested output. With more than one, frames fan
// out to all of them.
func openSink(o encodeOptions, codec hwmedia.VideoCodec) (hwmedia.FrameSink, io.Closer, error) {
	var (
		sinks  hwmedia.MultiSink
		opened closers
	)
	fail := func(err error) (hwmedia.FrameSink, io.Closer, error) {
		opened.Close()
		return nil, nil, err
	}

	switch o.Out {
	case "":
	case "-":
		sinks = append(sinks, hwmedia.NewAnnexBWriter(stdout))
	default:
		f, err := os.Create(o.Out)
		if err != nil {
			return fail(err)
		}
		opened = append(opened, f)
		sinks = append(sinks, hwmedia.NewAnnexBWriter(f))
	}

	if o.RTP != "" {
		conn, err := net.Dial("udp", o.RTP)
		if err != nil {
			return fail(fmt.Errorf("dial %s: %w", o.RTP, err))
		}
		opened = append(opened, conn)
		packetizer, err := hwmedia.NewRTPPacketizer(codec, rand.Uint32(), 96, 1200)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, hwmedia.NewRTPSink(packetizer, conn))
	}

	if o.RTMP != "" {
		sink, conn, err := hwmedia.DialRTMP(o.RTMP, codec)
		if err != nil {
			return fail(err)
		}
		opened = append(opened, conn)
		sinks = append(sinks, sink)
	}

	switch len(sinks) {
	case 0:
		return nil, nil, errors.New("one of --out, --rtp or --rtmp is required")
	case 1:
		return sinks[0], opened, nil
	default:
		return sinks, opened, nil
	}
}

func runEncode(ctx context.Context, log zerolog.Logger, o encodeOptions) error {
	cfg, err := o.encoderConfig(&log)
	if err != nil {
		return err
	}
	pattern, err := hwmedia.ParsePatternType(o.Pattern)
	if err != nil {
		return err
	}

	sink, closer, err := openSink(o, cfg.Codec)
	if err != nil {
		return err
	}
	defer closer.Close()

	enc, err := hwmedia.NewVideoEncoder(cfg)
	if err != nil {
		return err
	}

	pipe, err := hwmedia.NewVideoEncodePipeline(hwmedia.VideoPipelineConfig{
		Encoder:   enc,
		Sink:      sink,
		QueueSize: o.Queue,
		Logger:    &log,
	})
	if err != nil {
		enc.Close()
		return err
	}
	defer pipe.Close()

	src := hwmedia.NewTestPatternSource(hwmedia.TestPatternConfig{
		Width:    o.Width,
		Height:   o.Height,
		FPS:      o.FPS,
		Format:   hwmedia.PixelFormatNV12,
		Pattern:  pattern,
		Animated: true,
	})
	defer src.Close()

	g, gctx := errgroup.WithContext(ctx)
	if err := pipe.Start(gctx); err != nil {
		return err
	}

	if o.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(hwmedia.NewEncoderCollector("m2menc", prometheus.Labels{"codec": cfg.Codec.String()}, enc))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: o.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	start := time.Now()
	g.Go(func() error {
		for i := 0; i < o.Frames; i++ {
			if err := pipe.SubmitWait(gctx, src.NextFrame()); err != nil {
				return err
			}
		}
		if err := pipe.Drain(gctx); err != nil {
			return err
		}
		// Unblocks the metrics goroutines.
		return errDone
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errDone) && !errors.Is(err, context.Canceled) {
		return err
	}

	stats := pipe.Stats()
	log.Info().
		Uint64("frames", stats.FramesEncoded).
		Uint64("keyframes", stats.KeyframesSent).
		Uint64("dropped", stats.FramesDropped).
		Uint64("bytes", stats.BytesSent).
		Dur("elapsed", time.Since(start)).
		Msg("encode finished")
	return nil
}

var errDone = errors.New("done")
