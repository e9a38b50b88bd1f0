/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/blacktop/xpost/internal/config"
	"github.com/blacktop/xpost/internal/logutil"
	"github.com/blacktop/xpost/internal/xpost"
	"github.com/blacktop/xpost/internal/xpost/bluesky"
	"github.com/blacktop/xpost/internal/xpost/fanout"
	"github.com/blacktop/xpost/internal/xpost/mastodon"
	"github.com/blacktop/xpost/internal/xpost/media"
	"github.com/blacktop/xpost/internal/xpost/twitter"
	"github.com/spf13/cobra"
)

var verboseFlag bool

// Execute runs the root command.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newRootCommand().ExecuteContext(ctx)
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "xpost",
		Short: "Publish media to social networks",
		Long: "xpost downloads an image or video from a URL and publishes it with a caption " +
			"to Twitter/X, Bluesky and (optionally) Mastodon in parallel.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logutil.Init(logutil.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
			if verboseFlag {
				logutil.SetVerbose(true)
			}
			cmd.SetContext(withConfig(cmd.Context(), cfg))
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "V", false, "Enable debug logging")

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newPostCommand())

	return cmd
}

type configKey struct{}

func withConfig(ctx context.Context, cfg *config.Config) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, configKey{}, cfg)
}

func configFrom(ctx context.Context) *config.Config {
	if cfg, ok := ctx.Value(configKey{}).(*config.Config); ok {
		return cfg
	}
	return &config.Config{}
}

// buildPublishers wires the configured platforms. Twitter and Bluesky are
// always present; Mastodon only when a server is configured.
func buildPublishers(cfg *config.Config) []xpost.Publisher {
	publishers := []xpost.Publisher{
		twitter.New(cfg.Twitter.Driver()),
		bluesky.New(cfg.Bluesky.Driver()),
	}
	if mcfg := cfg.Mastodon.Driver(); mcfg.Enabled() {
		publishers = append(publishers, mastodon.New(mcfg))
	}
	return publishers
}

func buildDispatcher(cfg *config.Config) *fanout.Dispatcher {
	return fanout.New(media.NewFetcher(media.Config{}), buildPublishers(cfg))
}
