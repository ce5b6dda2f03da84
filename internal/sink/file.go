package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/goccy/go-json"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileOptions selects where the File sink writes. An empty Filename writes
// to stdout.
type FileOptions struct {
	Filename   string
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
}

// File writes one JSON document per event and line.
type File struct {
	mu  sync.Mutex
	wr  io.WriteCloser
	enc *json.Encoder
}

func NewFile(opts FileOptions) *File {
	var wr io.WriteCloser
	switch {
	case opts.Filename == "":
		wr = nopCloser{os.Stdout}
	default:
		wr = &lumberjack.Logger{
			Filename:   opts.Filename,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			LocalTime:  true,
		}
	}
	return NewWriter(wr)
}

// NewWriter returns a File sink over an arbitrary writer.
func NewWriter(wr io.WriteCloser) *File {
	return &File{wr: wr, enc: json.NewEncoder(wr)}
}

func (f *File) Name() string { return "file" }

func (f *File) Publish(_ context.Context, events []*Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range events {
		if err := f.enc.Encode(NewDocument(ev)); err != nil {
			return fmt.Errorf("encoding event: %w", err)
		}
	}
	return nil
}

func (f *File) Close() error {
	return f.wr.Close()
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
