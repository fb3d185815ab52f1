package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"unicode/utf8"

	"github.com/loqalabs/speakstream/internal/config"
	"github.com/loqalabs/speakstream/internal/llm"
	"github.com/loqalabs/speakstream/internal/logging"
	"github.com/loqalabs/speakstream/internal/protocol"
	"github.com/loqalabs/speakstream/internal/segment"
	"github.com/loqalabs/speakstream/internal/stream"
	"github.com/loqalabs/speakstream/internal/tts"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'segment', 'demo', 'validate' or 'version'")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "segment":
		err = runSegment(os.Args[2:], os.Stdin, os.Stdout)
	case "demo":
		err = runDemo(os.Args[2:], os.Stdout)
	case "validate":
		err = runValidate(os.Args[2:])
		if err == nil {
			fmt.Println("config valid")
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runSegment feeds stdin to the segmenter in fixed-size increments and prints
// every fragment it produces.
func runSegment(args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("segment", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	minLen := fs.Int("min", 0, "Override segmenter.min_fragment_length")
	maxLen := fs.Int("max", 0, "Override segmenter.max_fragment_length")
	chunk := fs.Int("chunk", 7, "Characters per simulated increment")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	segCfg := segment.FromConfig(cfg.Segmenter)
	if *minLen > 0 {
		segCfg.MinFragmentLength = *minLen
	}
	if *maxLen > 0 {
		segCfg.MaxFragmentLength = *maxLen
	}
	detector, err := segment.NewDetector(segCfg)
	if err != nil {
		return err
	}

	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	buf := segment.NewBuffer(detector)
	emit := func(f segment.Fragment) {
		fmt.Fprintf(out, "%d\t%d\t%q\n", f.Seq, utf8.RuneCountInString(f.Text), f.Text)
	}
	for _, inc := range increments(string(data), *chunk) {
		buf.Append(inc)
		for _, f := range buf.ExtractReady() {
			emit(f)
		}
	}
	if f, ok := buf.Flush(); ok {
		emit(f)
	}
	return nil
}

// increments splits text into pieces of n characters.
func increments(text string, n int) []string {
	if n <= 0 {
		n = 1
	}
	var out []string
	runes := []rune(text)
	for i := 0; i < len(runes); i += n {
		end := i + n
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}

// runDemo runs one turn with the configured backends and prints the wire
// messages a client would receive. Audio payloads are elided.
func runDemo(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("demo", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	message := fs.String("message", "Tell me about the weather today.", "User message")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := logging.NewWithWriter(os.Stderr, cfg.Telemetry.LogLevel, cfg.Telemetry.LogFormat)

	generator, err := llm.New(cfg.LLM)
	if err != nil {
		return err
	}
	synth, err := tts.New(cfg.TTS)
	if err != nil {
		return err
	}
	coordinator, err := stream.New(stream.Options{
		Stream:    cfg.Stream,
		Segmenter: segment.FromConfig(cfg.Segmenter),
		LLM:       cfg.LLM,
		Generator: generator,
		Invoker:   tts.NewInvoker(synth, tts.OptionsFromConfig(cfg.TTS), logger),
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	enc := json.NewEncoder(out)
	sink := stream.SinkFunc(func(_ context.Context, ev stream.Event) error {
		msg, err := protocol.FromEvent("demo", ev)
		if err != nil {
			return err
		}
		if msg.Data != nil && msg.Data.Type == protocol.ChunkAudio {
			msg.Data.Data = fmt.Sprintf("<%d base64 bytes>", len(msg.Data.Data))
		}
		return enc.Encode(msg)
	})
	summary, err := coordinator.Run(ctx, stream.Request{TurnID: "demo", Message: *message, Transport: "cli"}, sink)
	logger.Info("demo finished",
		slog.String("state", string(summary.State)),
		slog.Int("fragments", summary.Fragments),
		slog.Int("audio", summary.AudioDelivered))
	return err
}

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	configPath := fs.String("config", "speakstream.yaml", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	_, err := config.Load(*configPath)
	return err
}
