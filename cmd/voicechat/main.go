package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/loqalabs/voicechat/internal/audiofile"
	"github.com/loqalabs/voicechat/internal/config"
	"github.com/loqalabs/voicechat/internal/conversation"
	"github.com/loqalabs/voicechat/internal/mic"
	"github.com/loqalabs/voicechat/internal/pipeline"
	"github.com/loqalabs/voicechat/internal/playback"
	"github.com/loqalabs/voicechat/internal/runtime"
	"github.com/mattn/go-isatty"
)

var version = "0.1.0-dev"

const maxRecording = 2 * time.Minute

const help = `Type a message and press Enter to send it.
  /rec          start recording; press Enter (or /rec) to stop and send
  /file <path>  send a WAV, MP3, M4A or FLAC file
  /stop         stop speaking
  /reset        start a new conversation
  /history      show the conversation
  /quit         exit`

func main() {
	var (
		configPath  string
		showVersion bool
		debug       bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file (YAML or TOML)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.BoolVar(&debug, "debug", false, "Log debug output to stderr")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, config.ErrMissingAPIKey) {
			fmt.Fprintln(os.Stderr, "Please enter your API key:", err)
		} else {
			fmt.Fprintln(os.Stderr, "failed to load config:", err)
		}
		os.Exit(1)
	}
	// turn events are only published by the daemon
	cfg.Bus.Enabled = false

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type client struct {
	out      io.Writer
	outMu    sync.Mutex
	pipe     *pipeline.Pipeline
	sess     *conversation.Session
	speakers *playback.Sink
	rec      *mic.Recorder
	tempDir  string
	wg       sync.WaitGroup
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	speakers := playback.NewSink(logger)
	components, err := runtime.Build(ctx, cfg, logger, runtime.WithSink(speakers))
	if err != nil {
		return err
	}
	defer components.Close()

	sess, err := components.Sessions.Create()
	if err != nil {
		return err
	}
	c := &client{
		out:      os.Stdout,
		pipe:     components.Pipeline,
		sess:     sess,
		speakers: speakers,
		rec:      mic.NewRecorder(cfg.STT.SampleRate, maxRecording, logger),
		tempDir:  cfg.STT.TempDir,
	}
	defer func() {
		speakers.Stop()
		c.wg.Wait()
		if err := components.Forget(context.Background(), sess.ID()); err != nil {
			logger.Debug("failed to clean up session", slog.String("error", err.Error()))
		}
	}()

	interactive := isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())
	if interactive {
		c.printf("voicechat %s\n%s\n", version, help)
		if !components.Speaker.Enabled() {
			c.printf("speech output is disabled; replies are text only\n")
		}
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		if interactive && !c.rec.Recording() {
			c.printf("> ")
		}
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}
		if quit := c.handle(ctx, line); quit {
			return nil
		}
	}
}

// handle processes one input line and reports whether the client should exit.
func (c *client) handle(ctx context.Context, line string) bool {
	if c.rec.Recording() && (line == "" || line == "/rec") {
		c.finishRecording(ctx)
		return false
	}
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "":
	case "/quit", "/exit":
		return true
	case "/help":
		c.printf("%s\n", help)
	case "/rec":
		if err := c.rec.Start(); err != nil {
			c.printf("cannot record: %v\n", err)
			return false
		}
		c.printf("recording... press Enter to stop\n")
	case "/file":
		path := strings.TrimSpace(arg)
		if !audiofile.Supported(filepath.Ext(path)) {
			c.printf("unsupported file %q: use WAV, MP3, M4A or FLAC\n", path)
			return false
		}
		c.submit(ctx, pipeline.AudioInput(path, pipeline.OriginUpload, false))
	case "/stop":
		c.pipe.Stop(c.sess)
		c.speakers.Stop()
	case "/reset":
		c.pipe.Reset(ctx, c.sess)
		c.printf("conversation cleared\n")
	case "/history":
		c.printHistory()
	default:
		c.submit(ctx, pipeline.TextInput(line))
	}
	return false
}

func (c *client) finishRecording(ctx context.Context) {
	path, err := c.rec.Stop(c.tempDir)
	if err != nil {
		c.printf("recording failed: %v\n", err)
		return
	}
	c.submit(ctx, pipeline.AudioInput(path, pipeline.OriginMicrophone, true))
}

// submit runs the turn in the background so /stop stays responsive while
// the reply is being spoken.
func (c *client) submit(ctx context.Context, in pipeline.Input) {
	if c.sess.Busy() {
		c.printf("still working on the previous message\n")
		if in.Temporary {
			os.Remove(in.AudioPath)
		}
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		out, err := c.pipe.Run(ctx, c.sess, in)
		switch {
		case errors.Is(err, pipeline.ErrEmptyInput):
			return
		case errors.Is(err, pipeline.ErrTurnInProgress):
			c.printf("still working on the previous message\n")
			return
		case err != nil:
			c.printf("error: %v\n", err)
			return
		}
		c.render(out)
	}()
}

func (c *client) render(out pipeline.Outcome) {
	if out.Rejected {
		c.printf("\n! %s\n", out.Warning)
		return
	}
	if out.Transcript != "" {
		c.printf("\nYou said: %s\n", out.Transcript)
	}
	c.printf("\nAssistant: %s\n", out.Reply)
	if out.Warning != "" {
		c.printf("! %s\n", out.Warning)
	}
}

func (c *client) printHistory() {
	turns := c.sess.Conversation().Turns()
	if len(turns) == 0 {
		c.printf("(no messages yet)\n")
		return
	}
	for _, turn := range turns {
		c.printf("%s: %s\n", turn.Role.Label(), turn.Text)
	}
}

func (c *client) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}
