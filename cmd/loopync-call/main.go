// Command loopync-call is a headless call client: it connects to a signal
// relay, places or answers one-to-one calls and prints call status.
//
// While a call is live, stdin accepts single-letter commands:
//
//	a  answer    r  decline    h  hang up
//	m  mute/unmute audio       v  toggle video
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Sunnycharan27/loopyncapp-sub001/internal/call"
	"github.com/Sunnycharan27/loopyncapp-sub001/internal/config"
	"github.com/Sunnycharan27/loopyncapp-sub001/internal/metrics"
	"github.com/Sunnycharan27/loopyncapp-sub001/internal/signaling"
	"github.com/Sunnycharan27/loopyncapp-sub001/internal/webrtcpeer"
)

type cliFlags struct {
	callee      string
	video       bool
	autoAnswer  bool
	hangupAfter time.Duration
}

func main() {
	var flags cliFlags
	cfg, err := config.Load(os.Args[1:], func(fs *flag.FlagSet) {
		fs.StringVar(&flags.callee, "call", "", "Peer ID to call; without it the client waits for incoming calls")
		fs.BoolVar(&flags.video, "video", false, "Place a video call instead of audio only")
		fs.BoolVar(&flags.autoAnswer, "auto-answer", false, "Answer incoming calls immediately")
		fs.DurationVar(&flags.hangupAfter, "hangup-after", 0, "Hang up this long after the call connects (0 = never)")
	})
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cfg.PeerID == "" {
		fmt.Fprintln(os.Stderr, "-peer-id (or LOOPYNC_PEER_ID) is required")
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, flags, logger); err != nil {
		logger.Error("loopync-call failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, flags cliFlags, logger *slog.Logger) error {
	api, err := webrtcpeer.NewAPI(cfg, logger)
	if err != nil {
		return fmt.Errorf("configure webrtc: %w", err)
	}

	client, err := signaling.Dial(ctx, signaling.ClientConfig{
		URL:             cfg.SignalURL,
		PeerID:          cfg.PeerID,
		Credential:      cfg.Credential,
		IdleTimeout:     cfg.SignalingWSIdleTimeout,
		MaxMessageBytes: cfg.MaxSignalingMessageBytes,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	m := metrics.New()
	source := webrtcpeer.DefaultSource(logger)
	mgr, err := call.NewManager(call.ManagerConfig{
		Channel: client,
		Self:    call.Peer{ID: cfg.PeerID, Name: cfg.PeerName},
		NewEngine: func(ctx context.Context) (call.MediaEngine, error) {
			// Fetched per call: TURN REST credentials expire.
			servers, err := fetchICEServers(ctx, cfg.SignalURL, cfg.PeerID, cfg.Credential)
			if err != nil {
				logger.Warn("ice_fetch_failed", "err", err)
				servers = cfg.PeerConnectionICEServers()
			}
			return webrtcpeer.NewEngine(webrtcpeer.EngineConfig{
				API:        api,
				ICEServers: servers,
				Source:     source,
				Metrics:    m,
				Logger:     logger,
			})
		},
		Timings: cfg.Call,
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = mgr.Close(closeCtx)
	}()

	cli := &console{out: os.Stdout, mgr: mgr, hangupAfter: flags.hangupAfter}
	go cli.readCommands(ctx, os.Stdin)

	if flags.callee != "" {
		p, err := mgr.Place(ctx, call.Peer{ID: flags.callee}, flags.video)
		if err != nil {
			return fmt.Errorf("call %s: %w", flags.callee, err)
		}
		cli.follow(p)
		select {
		case <-p.Done():
			v := p.View()
			if v.EndReason != call.EndLocalHangUp && v.EndReason != call.EndRemoteHangUp {
				return fmt.Errorf("call ended: %s", v.EndMessage)
			}
			return nil
		case <-ctx.Done():
			_ = p.HangUp()
			<-p.Done()
			return nil
		case <-client.Done():
			return fmt.Errorf("relay connection lost: %w", client.Err())
		}
	}

	mgr.OnIncoming(func(p *call.Presenter) {
		v := p.View()
		fmt.Fprintf(cli.out, "incoming %s call from %s (%s)\n", kindOf(v.Video), displayName(v), v.PeerID)
		cli.follow(p)
		if flags.autoAnswer {
			if err := p.Answer(ctx); err != nil {
				logger.Warn("auto_answer_failed", "call_id", v.CallID, "err", err)
			}
			return
		}
		fmt.Fprintln(cli.out, "press a to answer, r to decline")
	})
	fmt.Fprintf(cli.out, "%s waiting for calls\n", cfg.PeerID)

	select {
	case <-ctx.Done():
		return nil
	case <-client.Done():
		return fmt.Errorf("relay connection lost: %w", client.Err())
	}
}

type console struct {
	out         *os.File
	mgr         *call.Manager
	hangupAfter time.Duration
}

// follow prints every status change of p until it ends.
func (c *console) follow(p *call.Presenter) {
	views, stop := p.Watch()
	go func() {
		defer stop()
		var last string
		var timer *time.Timer
		for v := range views {
			line := v.Status
			if v.Phase == call.PhaseEnded {
				line = v.EndMessage
			}
			if !v.Media.AudioEnabled {
				line += " [muted]"
			}
			if line != last {
				fmt.Fprintf(c.out, "%s: %s\n", displayName(v), line)
				last = line
			}
			if v.Phase == call.PhaseConnected && timer == nil && c.hangupAfter > 0 {
				timer = time.AfterFunc(c.hangupAfter, func() { _ = p.HangUp() })
			}
		}
		if timer != nil {
			timer.Stop()
		}
	}()
}

func (c *console) readCommands(ctx context.Context, in *os.File) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		p := c.mgr.Active()
		if p == nil {
			continue
		}
		var err error
		switch strings.TrimSpace(sc.Text()) {
		case "a":
			err = p.Answer(ctx)
		case "r":
			err = p.Reject()
		case "h":
			err = p.HangUp()
		case "m":
			_, err = p.ToggleAudio()
		case "v":
			_, err = p.ToggleVideo()
		default:
			continue
		}
		if err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
}

func displayName(v call.View) string {
	if v.PeerName != "" {
		return v.PeerName
	}
	return v.PeerID
}

func kindOf(video bool) string {
	if video {
		return "video"
	}
	return "audio"
}
