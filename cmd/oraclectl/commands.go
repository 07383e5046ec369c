package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"wrapped-oracle/internal/api"
	"wrapped-oracle/internal/auth"
	"wrapped-oracle/internal/fixed"
	"wrapped-oracle/internal/history"
	"wrapped-oracle/internal/model"
	redisstore "wrapped-oracle/internal/store/redis"
	sqlitestore "wrapped-oracle/internal/store/sqlite"
	"wrapped-oracle/pkg/oracleclient"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	url        string
	keyHex     string
	totpSecret string
	timeout    time.Duration

	redisAddr     string
	redisPassword string
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:          "oraclectl",
		Short:        "Inspect and administer a wrapped-asset price oracle",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.url, "url", envOr("ORACLE_URL", "http://localhost:8080"), "oracle API base URL")
	root.PersistentFlags().StringVar(&opts.keyHex, "key", os.Getenv("ORACLE_KEY"), "hex secp256k1 private key used to sign writes")
	root.PersistentFlags().StringVar(&opts.totpSecret, "totp-secret", os.Getenv("OWNER_TOTP_SECRET"), "owner TOTP secret for admin commands")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "HTTP timeout")
	root.PersistentFlags().StringVar(&opts.redisAddr, "redis", "", "read from Redis at this address instead of the API (status, events, watch)")
	root.PersistentFlags().StringVar(&opts.redisPassword, "redis-password", os.Getenv("REDIS_PASSWORD"), "Redis password")

	root.AddCommand(
		newStatusCommand(opts),
		newUpdateCommand(opts),
		newSwingCommand(opts),
		newSetCommand(opts),
		newTransferOwnerCommand(opts),
		newPermissionCommand(opts, "allow", true),
		newPermissionCommand(opts, "deny", false),
		newEventsCommand(opts),
		newAuditCommand(),
		newTOTPCommand(),
		newWatchCommand(opts),
	)
	return root
}

func (o *globalOptions) client() (*oracleclient.Client, error) {
	var key *ecdsa.PrivateKey
	if o.keyHex != "" {
		var err error
		key, err = ethcrypto.HexToECDSA(strings.TrimPrefix(o.keyHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid --key: %w", err)
		}
	}
	return oracleclient.New(oracleclient.Config{
		BaseURL:    o.url,
		Key:        key,
		TOTPSecret: o.totpSecret,
		Timeout:    o.timeout,
	})
}

func (o *globalOptions) redisReader() (*redisstore.Reader, error) {
	return redisstore.NewReader(redisstore.ReaderConfig{Addr: o.redisAddr, Password: o.redisPassword})
}

type statusView struct {
	Health  *api.HealthResponse  `json:"health"`
	Config  *api.ConfigResponse  `json:"config"`
	History *api.HistoryResponse `json:"history"`
}

func newStatusCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show oracle configuration, history and moving average",
		Long: `Show oracle configuration, history and moving average.

With --redis the state snapshot cached by the service is shown instead,
which works while the API is down.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.redisAddr != "" {
				return snapshotStatus(cmd.Context(), cmd.OutOrStdout(), opts)
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			var view statusView
			if view.Health, err = c.Health(ctx); err != nil {
				return err
			}
			if view.Config, err = c.Config(ctx); err != nil {
				return err
			}
			if view.History, err = c.History(ctx); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		},
	}
}

type snapshotView struct {
	Owner         common.Address `json:"owner"`
	Underlying    common.Address `json:"underlying"`
	Manager       common.Address `json:"manager"`
	Wrapped       common.Address `json:"wrapped"`
	WindowSize    int            `json:"window_size"`
	MaxSwing      string         `json:"max_swing"`
	PreviousIndex string         `json:"previous_index"`
	Average       string         `json:"average"`
	History       []string       `json:"history"`
	Updates       uint64         `json:"updates"`
	SavedAt       time.Time      `json:"saved_at"`
}

var errNoSnapshot = errors.New("no oracle snapshot cached in redis")

func snapshotStatus(ctx context.Context, w io.Writer, opts *globalOptions) error {
	reader, err := opts.redisReader()
	if err != nil {
		return err
	}
	defer reader.Close()

	st, err := reader.ReadSnapshot(ctx)
	if err != nil {
		return err
	}
	if st == nil {
		return errNoSnapshot
	}
	hist, err := history.Restore(st.History)
	if err != nil {
		return fmt.Errorf("cached snapshot: %w", err)
	}
	avg := "-"
	if v, err := hist.Average(); err == nil {
		avg = fixed.Format(v)
	}
	return printJSON(w, snapshotView{
		Owner:         st.Owner,
		Underlying:    st.Underlying,
		Manager:       st.Manager,
		Wrapped:       st.Wrapped,
		WindowSize:    st.WindowSize(),
		MaxSwing:      fixed.Format(st.MaxSwing),
		PreviousIndex: fixed.Format(st.PreviousIndex),
		Average:       avg,
		History:       formatAll(hist.Values()),
		Updates:       st.History.Updates,
		SavedAt:       st.SavedAt,
	})
}

func newUpdateCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Pull a fresh index from the rate source as the --key address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			out, err := c.Update(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newSwingCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "swing <candidate>",
		Short: "Check a raw 18-decimal candidate index against the swing band",
		Long: `Check whether a candidate index would be accepted right now.

Example:
  $ oraclectl swing 1010000000000000000`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			candidate, err := fixed.Parse(args[0])
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			out, err := c.Swing(cmd.Context(), candidate)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newSetCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Change an owner-controlled setting",
	}
	for _, field := range []string{"underlying", "manager", "wrapped"} {
		cmd.AddCommand(&cobra.Command{
			Use:   field + " <address>",
			Short: "Set the " + field + " address",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				addr, err := parseAddress(args[0])
				if err != nil {
					return err
				}
				c, err := opts.client()
				if err != nil {
					return err
				}
				var out *api.ConfigResponse
				switch field {
				case "underlying":
					out, err = c.SetUnderlyingAddress(cmd.Context(), addr)
				case "manager":
					out, err = c.SetManagerAddress(cmd.Context(), addr)
				default:
					out, err = c.SetWrappedAddress(cmd.Context(), addr)
				}
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			},
		})
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "window <size>",
		Short: "Resize the moving-average window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil || n <= 0 {
				return fmt.Errorf("window size must be a positive integer, got %q", args[0])
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			out, err := c.SetWindowSize(cmd.Context(), n)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	})
	return cmd
}

func newTransferOwnerCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "transfer-owner <address>",
		Short: "Hand ownership of the oracle and its allow-list to a new address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			out, err := c.TransferOwnership(cmd.Context(), addr)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newPermissionCommand(opts *globalOptions, use string, allowed bool) *cobra.Command {
	short := "Permit an address to submit index updates"
	if !allowed {
		short = "Revoke an address's permission to submit index updates"
	}
	return &cobra.Command{
		Use:   use + " <address>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			out, err := c.SetPermitted(cmd.Context(), addr, allowed)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newEventsCommand(opts *globalOptions) *cobra.Command {
	var (
		kind   string
		limit  int
		before int64
		after  string
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List journaled events, newest first",
		Long: `List journaled events, newest first.

With --redis the capped Redis event stream is read instead, oldest first,
starting after the stream id given by --after.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.redisAddr != "" {
				return streamEvents(cmd.Context(), cmd.OutOrStdout(), opts, model.EventKind(kind), after, limit)
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			entries, err := c.Events(cmd.Context(), oracleclient.EventFilter{
				Kind:     model.EventKind(kind),
				BeforeID: before,
				Limit:    limit,
			})
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, e := range entries {
				fmt.Fprintf(w, "%6d  %s  %s\n", e.ID, e.Event.TS.UTC().Format(time.RFC3339), e.Event)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "only events of this kind, e.g. IndexAlert")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events")
	cmd.Flags().Int64Var(&before, "before", 0, "only events with a smaller id")
	cmd.Flags().StringVar(&after, "after", "", "with --redis, only stream entries after this id")
	return cmd
}

func streamEvents(ctx context.Context, w io.Writer, opts *globalOptions, kind model.EventKind, after string, limit int) error {
	reader, err := opts.redisReader()
	if err != nil {
		return err
	}
	defer reader.Close()

	entries, err := reader.ReadEvents(ctx, after, int64(limit))
	if err != nil {
		return err
	}
	for _, e := range entries {
		if kind != "" && e.Event.Kind != kind {
			continue
		}
		fmt.Fprintf(w, "%s  %s  %s\n", e.ID, e.Event.TS.UTC().Format(time.RFC3339), e.Event)
	}
	return nil
}

type auditView struct {
	OK             bool     `json:"ok"`
	WindowSize     int      `json:"window_size"`
	Filled         int      `json:"filled"`
	StoredAverage  string   `json:"stored_average"`
	JournalAverage string   `json:"journal_average"`
	Stored         []string `json:"stored"`
	Journal        []string `json:"journal"`
	Mismatches     []int    `json:"mismatches,omitempty"`
}

// errAuditMismatch makes audit exit non-zero after printing the report.
var errAuditMismatch = errors.New("audit: journal does not reproduce the stored window")

func newAuditCommand() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Recompute the moving average from the event journal and compare it with stored state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reader, err := sqlitestore.NewReader(dbPath)
			if err != nil {
				return err
			}
			defer reader.Close()

			rep, err := reader.Audit(cmd.Context())
			if err != nil {
				return err
			}
			view := auditView{
				OK:             rep.OK(),
				WindowSize:     rep.WindowSize,
				Filled:         rep.Filled,
				StoredAverage:  fixed.Format(rep.StoredAverage),
				JournalAverage: fixed.Format(rep.JournalAverage),
				Stored:         formatAll(rep.Stored),
				Journal:        formatAll(rep.Journal),
				Mismatches:     rep.Mismatches,
			}
			if err := printJSON(cmd.OutOrStdout(), view); err != nil {
				return err
			}
			if !view.OK {
				return errAuditMismatch
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", envOr("SQLITE_PATH", "data/oracle.db"), "path to the oracle SQLite database")
	return cmd
}

func newTOTPCommand() *cobra.Command {
	var issuer, account string
	cmd := &cobra.Command{
		Use:   "totp",
		Short: "Generate a new owner TOTP secret for OWNER_TOTP_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, url, err := auth.GenerateTOTP(issuer, account)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "secret: %s\n", secret)
			fmt.Fprintf(w, "url:    %s\n", url)
			return nil
		},
	}
	cmd.Flags().StringVar(&issuer, "issuer", "wrapped-oracle", "TOTP issuer label")
	cmd.Flags().StringVar(&account, "account", "owner", "TOTP account label")
	return cmd
}

func newWatchCommand(opts *globalOptions) *cobra.Command {
	var since int64
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream oracle events from the websocket feed, or from Redis with --redis",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			w := cmd.OutOrStdout()

			if opts.redisAddr != "" {
				return watchRedis(ctx, w, opts)
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			err = c.Watch(ctx, since, func(env api.Envelope) error {
				fmt.Fprintf(w, "#%d  %s\n", env.Seq, env.Event)
				return nil
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().Int64Var(&since, "since", -1, "replay buffered events after this sequence number")
	return cmd
}

func watchRedis(ctx context.Context, w io.Writer, opts *globalOptions) error {
	reader, err := opts.redisReader()
	if err != nil {
		return err
	}
	defer reader.Close()

	events := make(chan model.Event, 64)
	errCh := make(chan error, 1)
	go func() { errCh <- reader.SubscribeEvents(ctx, events) }()
	for {
		select {
		case ev := <-events:
			fmt.Fprintln(w, ev)
		case err := <-errCh:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func formatAll(values []fixed.Index) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = fixed.Format(v)
	}
	return out
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
