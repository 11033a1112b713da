package daemon

import (
	"github.com/rs/zerolog"

	"github.com/msageha/webrelay/internal/channel"
	"github.com/msageha/webrelay/internal/channel/browser"
	"github.com/msageha/webrelay/internal/channel/terminal"
	"github.com/msageha/webrelay/internal/logging"
	"github.com/msageha/webrelay/internal/metrics"
	"github.com/msageha/webrelay/internal/model"
	"github.com/msageha/webrelay/internal/tmux"
)

// NewAnswerChannel builds the answer channel for cfg.Backend.Type. The
// returned release func drops the surface's connection.
func NewAnswerChannel(cfg model.Config, logger zerolog.Logger) (channel.AnswerChannel, func(), error) {
	logger = logging.Component(logger, "channel")
	ccfg := channel.Config{
		Sentinel:     cfg.Parser.Sentinel,
		PollInterval: cfg.Backend.PollInterval(),
		Timeout:      cfg.Backend.Timeout(),
		StableCount:  cfg.Backend.StableCount,
	}
	observe := metrics.ExchangeObserver(cfg.Backend.Type)
	opts := []channel.Option{
		channel.WithLogger(logger),
		channel.WithObserver(func(from, to channel.State) { observe(string(from), string(to)) }),
	}

	switch cfg.Backend.Type {
	case model.BackendTerminal:
		ccfg.Endpoint = cfg.Terminal.Endpoint
		surface, err := terminal.New(tmux.New(cfg.Terminal.Session, nil), terminal.Config{
			Command:         cfg.Terminal.Command,
			SoftNewlineKeys: cfg.Terminal.SoftNewlineKeys,
			BusyPatterns:    cfg.Terminal.BusyPatterns,
			CaptureLines:    cfg.Terminal.CaptureLines,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return channel.NewDriver(surface, model.BackendTerminal, ccfg, opts...), func() {}, nil
	default:
		ccfg.Endpoint = cfg.Browser.Endpoint
		surface := browser.New(browser.Config{
			DebugURL:         cfg.Browser.DebugURL,
			ComposerSelector: cfg.Browser.ComposerSelector,
			ReplyScript:      cfg.Browser.ReplyScript,
		}, logger)
		return channel.NewDriver(surface, model.BackendBrowser, ccfg, opts...), surface.Close, nil
	}
}
