// Package cli builds the threadctl command tree.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"

	"threadline/pkg/client"
	"threadline/pkg/state/logger"
)

// RootOptions holds the global flags shared by every command.
type RootOptions struct {
	Server     string
	Feed       string
	APIKey     string
	User       string
	Signature  string
	SigningKey string
	Agent      string
	Format     string
	Timeout    time.Duration
	Verbose    bool

	dial fasthttp.DialFunc
}

var validFormats = []string{"text", "json"}

// Client builds an SDK client from the global flags.
func (o *RootOptions) Client() (*client.Client, error) {
	return client.New(client.Options{
		BaseURL:    o.Server,
		FeedURL:    o.Feed,
		APIKey:     o.APIKey,
		UserID:     o.User,
		Signature:  o.Signature,
		SigningKey: o.SigningKey,
		AgentID:    o.Agent,
		Timeout:    o.Timeout,
		Dial:       o.dial,
	})
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// NewRootCommand creates the threadctl root command.
func NewRootCommand(version, commit string) *cobra.Command {
	return newRoot(&RootOptions{}, version, commit)
}

func newRoot(opts *RootOptions, version, commit string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threadctl",
		Short: "Threadline command line client",
		Long: `threadctl talks to a threadline server from the terminal. Identity
flags default to the THREADLINE_* environment variables.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Verbose {
				logger.InitWriter("debug", "console", cmd.ErrOrStderr())
			}
			for _, f := range validFormats {
				if f == opts.Format {
					return nil
				}
			}
			return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, validFormats))
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true

	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.Server, "server", "s", envOr("THREADLINE_SERVER", "http://localhost:8080"), "REST base url")
	pf.StringVar(&opts.Feed, "feed", envOr("THREADLINE_FEED", ""), "feed websocket url (default derived from --server)")
	pf.StringVarP(&opts.APIKey, "api-key", "k", envOr("THREADLINE_API_KEY", ""), "API key")
	pf.StringVarP(&opts.User, "user", "u", envOr("THREADLINE_USER", ""), "account id to act as")
	pf.StringVar(&opts.Signature, "signature", envOr("THREADLINE_SIGNATURE", ""), "HMAC signature of --user")
	pf.StringVar(&opts.SigningKey, "signing-key", envOr("THREADLINE_SIGNING_KEY", ""), "backend key used to sign --user")
	pf.StringVar(&opts.Agent, "agent", envOr("THREADLINE_AGENT", ""), "agent id to act as")
	pf.StringVar(&opts.Format, "format", "text", "output format (text|json)")
	pf.DurationVar(&opts.Timeout, "timeout", 10*time.Second, "request timeout")
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(newConversationsCommand(opts))
	cmd.AddCommand(newHistoryCommand(opts))
	cmd.AddCommand(newSendCommand(opts))
	cmd.AddCommand(newTriggerCommand(opts))
	cmd.AddCommand(newAgentsCommand(opts))
	cmd.AddCommand(newWhiteboardCommand(opts))
	cmd.AddCommand(newWatchCommand(opts))
	cmd.AddCommand(newSettingsCommand(opts))
	return cmd
}
