package cmd

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	channelpkg "tgpipe/pkg/channel"
	"tgpipe/pkg/channel/console"
	"tgpipe/pkg/config"
	"tgpipe/pkg/dispatch"
	"tgpipe/pkg/transport"

	"github.com/stretchr/testify/require"
)

type testAdapter struct{ name string }

func (a testAdapter) Name() string { return a.name }

func (a testAdapter) Run(_ context.Context, _ channelpkg.Sink) error { return nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEnabledAdaptersRequiresAtLeastOneChannel(t *testing.T) {
	t.Parallel()

	exec, err := transport.NewHTTPExecutor()
	require.NoError(t, err)

	_, err = enabledAdapters(&config.Config{}, exec, quietLogger())
	require.ErrorContains(t, err, "no channels are enabled")
}

func TestEnabledAdaptersBuildsTelegram(t *testing.T) {
	t.Parallel()

	exec, err := transport.NewHTTPExecutor()
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Channels.Telegram = config.TelegramConfig{Enabled: true, Token: "123:abc"}
	cfg.Transport.BaseURL = "http://127.0.0.1:8081"

	adapters, err := enabledAdapters(cfg, exec, quietLogger())
	require.NoError(t, err)
	require.Equal(t, "telegram", enabledChannelNames(adapters))

	cfg.Channels.Telegram.Token = ""
	_, err = enabledAdapters(cfg, exec, quietLogger())
	require.ErrorContains(t, err, "configure telegram channel")
}

func TestEnabledChannelNames(t *testing.T) {
	t.Parallel()

	adapters := []channelpkg.Adapter{testAdapter{name: "telegram"}, testAdapter{name: "console"}}
	require.Equal(t, "telegram,console", enabledChannelNames(adapters))
}

func TestLoadConfigStrategyOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TGPIPE_CONFIG", "")

	cfg, err := loadConfig("", "keyed_wait_with_jitter")
	require.NoError(t, err)
	require.Equal(t, "keyed_wait_with_jitter", cfg.RateLimit.Strategy)

	_, err = loadConfig("", "as_fast_as_possible")
	require.True(t, dispatch.IsConfiguration(err))

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"), "")
	require.ErrorContains(t, err, "load config")
}

func TestPipelineOverConsoleExecutor(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TGPIPE_CONFIG", "")

	cfg, err := loadConfig("", "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	con := console.New(console.WithLogger(quietLogger()))
	p, err := newPipeline(ctx, cfg, "", con, quietLogger())
	require.NoError(t, err)
	defer p.Close()

	me, err := p.client.GetMe(ctx)
	require.NoError(t, err)
	require.Equal(t, "tgpipe_bot", me.Username)

	update := con.NewUpdate("/ping")
	result, err := p.dispatcher.Dispatch(ctx, &update)
	require.NoError(t, err)
	require.Equal(t, dispatch.Stop, result)

	stored, err := dispatch.Get[*config.Config](p.dispatcher.Context())
	require.NoError(t, err)
	require.Same(t, cfg, stored)
}
