// Command scribe turns a live PCM feed into a speaker-attributed meeting
// transcript.
//
//	scribe -config scribe.yaml -input - < meeting.pcm
//	scribe -input standup.wav -format wav -speaker Alice -merge
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/meetscribe/internal/audio"
	"github.com/meetscribe/internal/capture"
	"github.com/meetscribe/internal/config"
	"github.com/meetscribe/internal/logging"
	"github.com/meetscribe/internal/mcp"
	"github.com/meetscribe/internal/metrics"
	"github.com/meetscribe/internal/pipeline"
	"github.com/meetscribe/internal/roster"
	"github.com/meetscribe/internal/server"
	"github.com/meetscribe/internal/stt"
	"github.com/meetscribe/internal/transcript"
)

var version = "dev"

func main() {
	var (
		configPath = flag.String("config", os.Getenv("MEETSCRIBE_CONFIG"), "YAML config file")
		input      = flag.String("input", "-", "PCM or WAV input path, - for stdin")
		format     = flag.String("format", "pcm", "input format: pcm or wav")
		out        = flag.String("out", "", "transcript log path (overrides transcript.log_path)")
		merge      = flag.Bool("merge", false, "write a cleaned transcript after shutdown")
		speaker    = flag.String("speaker", "", "static speaker label when no Discord roster is configured")
		realtime   = flag.Bool("realtime", true, "pace file input at capture speed")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scribe: %v\n", err)
		os.Exit(2)
	}
	// config.Load already folded LOG_LEVEL into cfg.LogLevel.
	_ = os.Setenv("LOG_LEVEL", cfg.LogLevel)
	logging.Init()
	defer logging.Sync()

	if *out != "" {
		cfg.Transcript.LogPath = *out
	}
	if *merge {
		cfg.Transcript.MergeOnStop = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *input, *format, *speaker, *realtime); err != nil {
		logging.FatalExitf("scribe: exiting", "error", err)
	}
	logging.Infow("scribe: shutdown complete")
}

func run(ctx context.Context, cfg config.Config, input, format, speaker string, realtime bool) error {
	src, err := openInput(input, format, cfg)
	if err != nil {
		return err
	}
	defer src.Close()

	m := metrics.New(prometheus.NewRegistry())
	backend := stt.NewWebSocketBackend(stt.WebSocketConfig{APIKey: cfg.STT.APIKey, URL: cfg.STT.URL})
	meeting, err := pipeline.NewMeeting(pipeline.Deps{Config: cfg, Backend: backend, Metrics: m})
	if err != nil {
		return err
	}
	defer meeting.Close()
	lctx := logging.WithFields(ctx, "meeting_id", meeting.ID())

	if cfg.Discord.Token != "" {
		gw, err := openGateway(cfg.Discord, meeting.Tracker())
		if err != nil {
			return err
		}
		defer gw.Close()
	} else {
		label := speaker
		if label == "" {
			label = "Speaker"
		}
		meeting.Tracker().Join("static", label, false)
		meeting.Tracker().SetSpeaker("static")
	}

	if err := meeting.Start(ctx); err != nil {
		return err
	}
	meeting.MarkJoined()
	logging.InfowCtx(lctx, "scribe: meeting started", "input", input, "format", format)

	var wg sync.WaitGroup
	g, gctx := errgroup.WithContext(ctx)
	frames := make(chan audio.Frame, 8)

	g.Go(func() error {
		defer close(frames)
		return readFrames(gctx, src, cfg.Audio.FrameMs, realtime && input != "-", frames)
	})
	g.Go(func() error {
		return meeting.Run(gctx, frames)
	})
	if cfg.HTTP.Addr != "" {
		srv := server.New(cfg.HTTP.Addr, server.Sources{
			Stats:   func() any { return meeting.Stats() },
			Lines:   meeting.Log().Lines,
			Metrics: m,
			MCP: mcp.NewServer("meetscribe", version,
				transcript.NewMerger(transcript.DefaultOptions(), m),
				func() any { return meeting.Session().Stats() }),
		})
		sctx, cancel := context.WithCancel(gctx)
		defer cancel()
		go func() {
			if err := srv.Run(sctx); err != nil {
				logging.Errorw("scribe: http server failed", "error", err)
			}
		}()
	}
	if dir := cfg.Capture.Dir; dir != "" {
		wg.Add(1)
		capture.StartCleaner(gctx, &wg, dir, cfg.Capture.Retention, cfg.Capture.Interval, cfg.Capture.MaxFiles)
	}

	err = g.Wait()
	wg.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		return err
	}

	st := meeting.Stats()
	logging.InfowCtx(lctx, "scribe: meeting finished",
		"lines", st.Lines,
		"visual_detection_rate", fmt.Sprintf("%.1f", st.Session.VisualDetectionRate),
		"needs_batch_fallback", st.Session.NeedsBatchFallback)

	if cfg.Transcript.MergeOnStop {
		if _, _, err := meeting.Merge(""); err != nil {
			return err
		}
	}
	return nil
}

type inputSource struct {
	r      io.Reader
	closer io.Closer
	rate   int
}

func (s *inputSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

func openInput(path, format string, cfg config.Config) (*inputSource, error) {
	var f io.ReadCloser = os.Stdin
	if path != "-" {
		var err error
		if f, err = os.Open(path); err != nil {
			return nil, fmt.Errorf("open input: %w", err)
		}
	}
	switch strings.ToLower(format) {
	case "pcm", "":
		src := &inputSource{r: f, rate: cfg.Audio.SampleRate}
		if path != "-" {
			src.closer = f
		}
		return src, nil
	case "wav":
		pcm, sampleRate, err := audio.ReadWAV(f)
		if path != "-" {
			_ = f.Close()
		}
		if err != nil {
			return nil, err
		}
		if sampleRate != cfg.Audio.SampleRate {
			return nil, fmt.Errorf("wav sample rate %d does not match audio.sample_rate %d", sampleRate, cfg.Audio.SampleRate)
		}
		return &inputSource{r: bytes.NewReader(pcm), rate: sampleRate}, nil
	}
	return nil, fmt.Errorf("unknown input format %q", format)
}

// readFrames chops src into frames. Paced input is rate limited to one
// frame per frame duration so the chunker's timers see capture time.
func readFrames(ctx context.Context, src *inputSource, frameMs int, paced bool, frames chan<- audio.Frame) error {
	fr := audio.NewFrameReader(src.r, src.rate, frameMs)
	var lim *rate.Limiter
	if paced {
		lim = rate.NewLimiter(rate.Every(time.Duration(frameMs)*time.Millisecond), 1)
	}
	n := 0
	for {
		f, err := fr.Next()
		if errors.Is(err, io.EOF) {
			logging.Infow("scribe: input finished", "frames", n)
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return nil
			}
		}
		select {
		case frames <- f:
			n++
		case <-ctx.Done():
			return nil
		}
	}
}

// gateway is the Discord side: a bot session joined to the meeting's voice
// channel, feeding voice state and speaking updates into the roster.
type gateway struct {
	dg *discordgo.Session
	vc *discordgo.VoiceConnection
}

func openGateway(cfg config.DiscordConfig, tracker *roster.Tracker) (*gateway, error) {
	dg, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discordgo.New: %w", err)
	}
	// Guilds + GuildVoiceStates are enough for join/leave and speaking.
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	logging.Infow("scribe: using gateway intents", "intents", dg.Identify.Intents)

	feed := roster.NewDiscord(tracker, roster.NewDiscordResolver(dg), cfg.ChannelID)
	dg.AddHandler(func(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
		feed.HandleVoiceState(s, vs)
	})

	if err := dg.Open(); err != nil {
		return nil, fmt.Errorf("discord session open: %w", err)
	}
	logging.Infow("scribe: joining voice channel", "guild", cfg.GuildID, "channel", cfg.ChannelID)
	vc, err := dg.ChannelVoiceJoin(cfg.GuildID, cfg.ChannelID, true, false)
	if err != nil {
		_ = dg.Close()
		return nil, fmt.Errorf("voice join: %w", err)
	}
	// Speaking updates arrive on the voice websocket, not the gateway.
	vc.AddHandler(func(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
		feed.HandleSpeakingUpdate(dg, su)
	})
	feed.SeedChannel(dg, cfg.GuildID)
	return &gateway{dg: dg, vc: vc}, nil
}

func (g *gateway) Close() {
	if g.vc != nil {
		if err := g.vc.Disconnect(); err != nil {
			logging.Warnw("scribe: voice disconnect error", "error", err)
		}
	}
	if err := g.dg.Close(); err != nil {
		logging.Warnw("scribe: discord session close error", "error", err)
	}
}
