package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

type commandContext struct {
	server string
	token  string
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "streamctl",
		Short:         "Caption stream client and diagnostics",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&ctx.server, "server", envOr("STREAMCTL_SERVER", "http://localhost:8080"), "Caption server base URL")
	rootCmd.PersistentFlags().StringVar(&ctx.token, "token", os.Getenv("STREAMCTL_TOKEN"), "Operator bearer token for diagnostics endpoints")

	rootCmd.AddCommand(newListenCommand(ctx))
	rootCmd.AddCommand(newSessionsCommand(ctx))
	rootCmd.AddCommand(newTokenCommand())

	return rootCmd
}

// endpoint joins path onto the server base URL.
func (c *commandContext) endpoint(path string) (string, error) {
	u, err := url.Parse(strings.TrimRight(c.server, "/"))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("server url %q needs a scheme and host", c.server)
	}
	u.Path += path
	return u.String(), nil
}

// streamURL is the websocket address of the stream endpoint.
func (c *commandContext) streamURL() (string, error) {
	raw, err := c.endpoint("/v1/stream")
	if err != nil {
		return "", err
	}
	switch {
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://"), nil
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://"), nil
	default:
		return raw, nil
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
