package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/route-beacon/bmp-collector/internal/bmp"
	"github.com/route-beacon/bmp-collector/internal/collector"
	"github.com/route-beacon/bmp-collector/internal/logging"
	"github.com/route-beacon/bmp-collector/internal/sink"
)

type decodeCmdConfig struct {
	OpenBMP         bool
	Router          string
	Output          string
	MaxMessageBytes uint32
}

var decodeConfig decodeCmdConfig

var decodeCmd = &cobra.Command{
	Use:   "decode <file>",
	Short: "Decode a captured BMP stream and print one JSON document per message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		level := logLevelOverride
		if level == "" {
			level = "warn"
		}
		logger, err := logging.New(logging.Options{Level: level})
		if err != nil {
			return err
		}
		defer logger.Sync()

		var in io.Reader = os.Stdin
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}

		router := decodeConfig.Router
		if router == "" {
			router = filepath.Base(args[0])
		}

		out := sink.NewFile(sink.FileOptions{Filename: decodeConfig.Output})
		defer out.Close()

		n, err := decodeStream(cmd.Context(), in, out, router, decodeConfig, logger)
		logger.Info("decode finished", zap.Int("messages", n))
		return err
	},
	Example: "# bmp-collector decode capture.bmp\n# bmp-collector decode --openbmp --output events.jsonl raw.obmp",
}

func init() {
	decodeCmd.Flags().BoolVar(&decodeConfig.OpenBMP, "openbmp", false, "Input is a sequence of OpenBMP RAW frames")
	decodeCmd.Flags().StringVar(&decodeConfig.Router, "router", "", "Router key for plain BMP input (default: file name)")
	decodeCmd.Flags().StringVar(&decodeConfig.Output, "output", "", "Write JSON lines to this file instead of stdout")
	decodeCmd.Flags().Uint32Var(&decodeConfig.MaxMessageBytes, "max-message-bytes", bmp.DefaultMaxMessageLength, "Largest accepted BMP message")
	rootCmd.AddCommand(decodeCmd)
}

// decodeStream decodes everything in r and publishes it to out. A plain
// BMP capture is a single stream; OpenBMP frames are split by router the
// way the Kafka consumer splits them. It returns the number of events.
func decodeStream(ctx context.Context, r io.Reader, out sink.Sink, router string, cfg decodeCmdConfig, logger *zap.Logger) (int, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("reading input: %w", err)
	}

	demux := collector.NewDemux(sink.SourceFile, logger, bmp.WithMaxMessageLength(cfg.MaxMessageBytes))
	now := time.Now()

	var events []*sink.Event
	if !cfg.OpenBMP {
		events = demux.Feed(router, now, data)
	} else {
		for off := 0; off < len(data); {
			frame, err := bmp.DecodeOpenBMPFrame(data[off:], int(cfg.MaxMessageBytes))
			if err != nil {
				return 0, fmt.Errorf("openbmp frame at offset %d: %w", off, err)
			}
			key := frame.RouterKey()
			if key == "" {
				key = router
			}
			events = append(events, demux.Feed(key, now, frame.BMP)...)
			off += frame.Len
		}
	}

	if err := out.Publish(ctx, events); err != nil {
		return 0, err
	}
	return len(events), nil
}
