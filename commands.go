package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/go-authgate/smarther-cli/tui"
)

// cli carries flag values and the resolved config between cobra hooks.
type cli struct {
	flags   flagValues
	plain   bool
	cfg     *config
	closeLg func()
}

// execute runs the command line in args. Logging set up by the command is
// closed on every exit path, including failed commands.
func (c *cli) execute(ctx context.Context, args []string) error {
	defer c.close()
	root := c.rootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func (c *cli) close() {
	if c.closeLg != nil {
		c.closeLg()
		c.closeLg = nil
	}
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "smarther",
		Short: "Authorize against the Smarther API and make authenticated calls",
		Long: `smarther logs in to the Legrand/BTicino partner portal with the OAuth2
authorization-code flow, keeps the access token fresh and performs
authenticated calls against the Smarther thermostat API.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.setup,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.flags.clientID, "client-id", "", "OAuth client ID (required, or set CLIENT_ID env)")
	pf.StringVar(&c.flags.clientSecret, "client-secret", "", "OAuth client secret (or CLIENT_SECRET env)")
	pf.StringVar(&c.flags.subscriptionKey, "subscription-key", "", "API subscription key (or SUBSCRIPTION_KEY env)")
	pf.StringVar(&c.flags.authURL, "auth-url", "", "Authorization endpoint (or AUTH_URL env)")
	pf.StringVar(&c.flags.tokenURL, "token-url", "", "Token endpoint (or TOKEN_URL env)")
	pf.StringVar(&c.flags.apiURL, "api-url", "", "Smarther API base URL (or API_URL env)")
	pf.StringVar(&c.flags.redirectURI, "redirect-uri", "", "Local redirect URI (default: http://localhost:23784/tokens or REDIRECT_URI env)")
	pf.StringVar(&c.flags.scope, "scope", "", "Space separated scopes (or SCOPE env)")
	pf.StringVar(&c.flags.tokenFile, "token-file", "", "Token storage file (default: .smarther-tokens.json or TOKEN_FILE env)")
	pf.StringVar(&c.flags.callbackTimeout, "callback-timeout", "", "How long to wait for the browser redirect (default: 5m or CALLBACK_TIMEOUT env)")
	pf.StringVar(&c.flags.refreshMargin, "refresh-margin", "", "Refresh tokens this long before expiry (default: 60s or REFRESH_MARGIN env)")
	pf.StringVar(&c.flags.rateLimit, "rate-limit", "", "API requests per second, 0 disables (default: 5 or RATE_LIMIT env)")
	pf.StringVar(&c.flags.logFile, "log-file", "", "Write logs to a rotating file (or LOG_FILE env)")
	pf.BoolVar(&c.flags.debug, "debug", false, "Enable debug logging (or DEBUG env)")
	pf.BoolVar(&c.plain, "plain", false, "Disable the interactive terminal UI")

	root.CompletionOptions.DisableDefaultCmd = true
	root.AddCommand(
		c.newLoginCmd(),
		c.newTokenCmd(),
		c.newCallCmd(),
		c.newStatusCmd(),
		c.newLogoutCmd(),
	)
	return root
}

func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == "help" {
		return nil
	}
	cfg, warnings, err := loadConfig(c.flags)
	if err != nil {
		return err
	}
	closeLg, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	c.cfg, c.closeLg = cfg, closeLg

	for _, w := range warnings {
		fmt.Fprintf(cmd.ErrOrStderr(), "⚠️  WARNING: %s\n", w)
	}
	log.Debugf("using token file %s", cfg.TokenFile)
	return nil
}

func (c *cli) newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Run the browser authorization flow and store the tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDisplayer(c.cfg, c.plain, func(d tui.Displayer) error {
				s, err := newSession(c.cfg, d)
				if err != nil {
					return err
				}
				if _, err := s.login(cmd.Context()); err != nil {
					return err
				}
				s.done()
				return nil
			})
		},
	}
}

func (c *cli) newTokenCmd() *cobra.Command {
	var noLogin bool
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a valid access token, refreshing or logging in as needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var token string
			err := withDisplayer(c.cfg, c.plain, func(d tui.Displayer) error {
				s, err := newSession(c.cfg, d)
				if err != nil {
					return err
				}
				s.noLogin = noLogin
				token, err = s.ensureToken(cmd.Context())
				if err != nil {
					return err
				}
				s.done()
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().BoolVar(&noLogin, "no-login", false, "Fail instead of opening the browser when authorization is required")
	return cmd
}

func (c *cli) newCallCmd() *cobra.Command {
	var (
		method  string
		data    string
		noLogin bool
	)
	cmd := &cobra.Command{
		Use:   "call PATH",
		Short: "Make an authenticated request against the Smarther API",
		Example: `  smarther call /chronothermostat/thermoregulation/addressLocation/plants
  smarther call --method POST --data @setpoint.json /chronothermostat/thermoregulation/addressLocation/plants/{plantId}/modules/parameter/id/{moduleId}`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readBody(data, cmd.InOrStdin())
			if err != nil {
				return err
			}
			method = strings.ToUpper(method)

			var resp []byte
			err = withDisplayer(c.cfg, c.plain, func(d tui.Displayer) error {
				s, err := newSession(c.cfg, d)
				if err != nil {
					return err
				}
				s.noLogin = noLogin
				resp, err = s.call(cmd.Context(), method, args[0], body)
				return err
			})
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(resp)
			return err
		},
	}
	cmd.Flags().StringVarP(&method, "method", "X", http.MethodGet, "HTTP method")
	cmd.Flags().StringVarP(&data, "data", "d", "", "Request body, @file to read a file or @- for stdin")
	cmd.Flags().BoolVar(&noLogin, "no-login", false, "Fail instead of opening the browser when authorization is required")
	return cmd
}

func (c *cli) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the stored token state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := newSession(c.cfg, tui.NoopDisplayer{})
			if err != nil {
				return err
			}
			if _, err := s.store.Load(); err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), describeStatus(s.store.Status(), s.files.Path(), time.Now()))
			return nil
		},
	}
}

func (c *cli) newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored tokens for this client",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := newSession(c.cfg, tui.NoopDisplayer{})
			if err != nil {
				return err
			}
			if err := s.store.Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged out, tokens removed from %s\n", s.files.Path())
			return nil
		},
	}
}

// readBody resolves the --data value: literal text, @file or @- for stdin.
func readBody(data string, stdin io.Reader) ([]byte, error) {
	switch {
	case data == "":
		return nil, nil
	case data == "@-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read body from stdin: %w", err)
		}
		return b, nil
	case strings.HasPrefix(data, "@"):
		b, err := os.ReadFile(data[1:])
		if err != nil {
			return nil, fmt.Errorf("failed to read body file: %w", err)
		}
		return b, nil
	default:
		return []byte(data), nil
	}
}
