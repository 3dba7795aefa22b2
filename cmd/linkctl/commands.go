package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/SebastienMelki/tappick"
	"github.com/SebastienMelki/tappick/internal/deeplink"
	"github.com/SebastienMelki/tappick/internal/fingerprint"
	"github.com/SebastienMelki/tappick/internal/observability"
	"github.com/SebastienMelki/tappick/internal/referrer"
	"github.com/SebastienMelki/tappick/internal/storage"
	"github.com/SebastienMelki/tappick/internal/transport"
)

// validFormats defines the allowed output formats.
var validFormats = []string{"text", "json"}

// rootOptions holds global flags and shared state for all commands.
type rootOptions struct {
	cfg    Config
	logger *slog.Logger

	format      string
	dataPath    string
	metricsAddr string
	useNATS     bool

	metrics       *observability.Module
	metricsServer *http.Server
}

func newRootCommand(cfg Config, logger *slog.Logger) *cobra.Command {
	opts := &rootOptions{cfg: cfg, logger: logger}

	cmd := &cobra.Command{
		Use:           "linkctl",
		Short:         "Exercise the tappick attribution SDK",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !slices.Contains(validFormats, opts.format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.format, validFormats)
			}
			return opts.startMetrics()
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.stopMetrics(cmd.Context())
		},
	}

	cmd.PersistentFlags().StringVar(&opts.format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.dataPath, "data", "", "SQLite database path (overrides TAPPICK_DATA_PATH)")
	cmd.PersistentFlags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.PersistentFlags().BoolVar(&opts.useNATS, "nats", false, "deliver events to NATS JetStream instead of the HTTP backend")

	cmd.AddCommand(newParseCommand(opts))
	cmd.AddCommand(newReferrerCommand(opts))
	cmd.AddCommand(newFingerprintCommand(opts))
	cmd.AddCommand(newMatchCommand(opts))
	cmd.AddCommand(newTrackCommand(opts))
	cmd.AddCommand(newListenCommand(opts))

	return cmd
}

func (o *rootOptions) startMetrics() error {
	if o.metricsAddr == "" {
		return nil
	}

	module, err := observability.New("tappick")
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}
	o.metrics = module

	mux := http.NewServeMux()
	mux.Handle("/metrics", module.MetricsHandler())
	o.metricsServer = &http.Server{
		Addr:              o.metricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := o.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			o.logger.Error("metrics server failed", "error", err)
		}
	}()
	o.logger.Info("serving metrics", "addr", o.metricsAddr)
	return nil
}

func (o *rootOptions) stopMetrics(ctx context.Context) error {
	if o.metricsServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	return errors.Join(o.metricsServer.Shutdown(ctx), o.metrics.Shutdown(ctx))
}

// openStore opens the SQLite store at --data, or an in-memory one.
func (o *rootOptions) openStore() (storage.Store, func() error, error) {
	if o.dataPath == "" {
		return storage.NewMemoryStore(), func() error { return nil }, nil
	}
	s, err := storage.NewSQLiteStore(o.dataPath)
	if err != nil {
		return nil, nil, err
	}
	return s, s.Close, nil
}

// newClient builds an SDK client from TAPPICK_* variables and the global
// flags. The returned release func closes the client and the NATS sender.
func (o *rootOptions) newClient(ctx context.Context, extra ...tappick.Option) (*tappick.Client, func(), error) {
	cfg, err := tappick.LoadConfigFromEnv()
	if err != nil {
		return nil, nil, err
	}
	if o.dataPath != "" {
		cfg.DataPath = o.dataPath
	}

	opts := []tappick.Option{
		tappick.WithLogger(o.logger),
		tappick.WithErrorCallback(func(err *tappick.SDKError) {
			o.logger.Warn("sdk error", "code", err.Code, "severity", err.Severity.String(), "message", err.Message)
		}),
	}
	if o.metrics != nil {
		opts = append(opts, tappick.WithMeter(o.metrics.Meter()))
	}

	var sender *transport.NATSSender
	if o.useNATS {
		sender, err = transport.NewNATSSender(ctx, o.cfg.NATS, cfg.AppID, o.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to NATS: %w", err)
		}
		opts = append(opts, tappick.WithEventSender(sender))
	}

	client, err := tappick.New(cfg, append(opts, extra...)...)
	if err != nil {
		if sender != nil {
			sender.Close()
		}
		return nil, nil, err
	}

	release := func() {
		if err := client.Close(context.WithoutCancel(ctx)); err != nil {
			o.logger.Warn("close client", "error", err)
		}
		if sender != nil {
			if err := sender.Close(); err != nil {
				o.logger.Warn("close NATS sender", "error", err)
			}
		}
	}
	return client, release, nil
}

// field is one line of text output.
type field struct {
	name  string
	value any
}

// printResult writes v as indented JSON, or fields as aligned text.
func (o *rootOptions) printResult(w io.Writer, v any, fields []field) error {
	if o.format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	for _, f := range fields {
		if _, err := fmt.Fprintf(w, "%-14s %v\n", f.name+":", f.value); err != nil {
			return err
		}
	}
	return nil
}

func newParseCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "parse <uri>",
		Short: "Parse a deep link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := deeplink.Parse(args[0])
			result := struct {
				URI       string            `json:"uri"`
				Scheme    string            `json:"scheme"`
				Host      string            `json:"host"`
				Path      string            `json:"path"`
				RoutePath string            `json:"routePath"`
				ShortCode string            `json:"shortCode,omitempty"`
				Query     map[string]string `json:"query,omitempty"`
				UTM       tappick.UTM       `json:"utm"`
			}{d.Raw, d.Scheme, d.Host, d.Path, d.RoutePath(), d.ShortCode(), d.Query, d.UTM}

			return opts.printResult(cmd.OutOrStdout(), result, []field{
				{"scheme", result.Scheme},
				{"host", result.Host},
				{"path", result.Path},
				{"route path", result.RoutePath},
				{"short code", result.ShortCode},
				{"utm source", result.UTM.Source},
				{"utm campaign", result.UTM.Campaign},
			})
		},
	}
}

func newReferrerCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "referrer <raw-referrer>",
		Short: "Extract the deferred-link token and UTM from an install referrer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, found := referrer.ExtractToken(args[0])
			result := struct {
				Token string      `json:"token,omitempty"`
				Found bool        `json:"found"`
				UTM   tappick.UTM `json:"utm"`
			}{token, found, referrer.ExtractUTM(args[0])}

			return opts.printResult(cmd.OutOrStdout(), result, []field{
				{"token", result.Token},
				{"found", result.Found},
				{"utm source", result.UTM.Source},
				{"utm medium", result.UTM.Medium},
				{"utm campaign", result.UTM.Campaign},
			})
		},
	}
}

func newFingerprintCommand(opts *rootOptions) *cobra.Command {
	var attrs fingerprint.Attributes

	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Generate a device fingerprint from the given attributes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, closeStore, err := opts.openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			gen := fingerprint.NewGenerator(
				fingerprint.NewPlatformCollector(attrs),
				fingerprint.NewIDManager(store, opts.logger),
				store,
				opts.logger,
			)
			fp := gen.Generate(cmd.Context())

			return opts.printResult(cmd.OutOrStdout(), fp, []field{
				{"fingerprint", fp.Hash},
				{"device id", fp.DeviceID},
				{"platform", fp.Platform},
				{"degraded", fp.Degraded},
			})
		},
	}

	cmd.Flags().StringVar(&attrs.Platform, "platform", "android", "platform (android|ios|web)")
	cmd.Flags().StringVar(&attrs.Model, "model", "", "device model")
	cmd.Flags().StringVar(&attrs.OSVersion, "os-version", "", "OS version")
	cmd.Flags().StringVar(&attrs.Locale, "locale", "en-US", "device locale")
	cmd.Flags().IntVar(&attrs.TimezoneOffset, "tz-offset", 0, "UTC offset in minutes")
	cmd.Flags().StringVar(&attrs.UserAgent, "user-agent", "", "platform user agent")
	cmd.Flags().StringVar(&attrs.AppVersion, "app-version", "", "host app version")

	return cmd
}

func newMatchCommand(opts *rootOptions) *cobra.Command {
	var rawReferrer string

	cmd := &cobra.Command{
		Use:   "match",
		Short: "Run attribution matching against the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			var extra []tappick.Option
			if rawReferrer != "" {
				extra = append(extra, tappick.WithReferrerProvider(tappick.ReferrerFunc(
					func(context.Context) (string, bool, error) { return rawReferrer, true, nil },
				)))
			}
			client, release, err := opts.newClient(ctx, extra...)
			if err != nil {
				return err
			}
			defer release()

			m := client.ResolveAttribution(ctx)
			return opts.printResult(cmd.OutOrStdout(), m, []field{
				{"outcome", m.Outcome()},
				{"actionable", m.Actionable()},
				{"method", m.Method},
				{"confidence", m.Confidence},
				{"score", m.Score},
				{"link id", m.LinkID},
				{"deep link", m.DeepLinkURL},
			})
		},
	}

	cmd.Flags().StringVar(&rawReferrer, "referrer", "", "raw install-referrer string for deterministic matching")
	return cmd
}

func newTrackCommand(opts *rootOptions) *cobra.Command {
	var props []string

	cmd := &cobra.Command{
		Use:   "track <event>",
		Short: "Track one event and flush it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			properties, err := parseProps(props)
			if err != nil {
				return err
			}

			client, release, err := opts.newClient(ctx)
			if err != nil {
				return err
			}
			defer release()

			if err := client.Start(ctx); err != nil {
				return err
			}
			client.Track(args[0], properties)
			flushErr := client.Flush(ctx)
			buffered, queued := client.PendingEvents(ctx)

			result := struct {
				Event     string `json:"event"`
				Delivered bool   `json:"delivered"`
				Queued    int    `json:"queued"`
				Buffered  int    `json:"buffered"`
				Error     string `json:"error,omitempty"`
			}{Event: args[0], Delivered: flushErr == nil, Queued: queued, Buffered: buffered}
			if flushErr != nil {
				result.Error = flushErr.Error()
			}

			return opts.printResult(cmd.OutOrStdout(), result, []field{
				{"event", result.Event},
				{"delivered", result.Delivered},
				{"queued", result.Queued},
				{"error", result.Error},
			})
		},
	}

	cmd.Flags().StringArrayVarP(&props, "prop", "p", nil, "event property as key=value (repeatable)")
	return cmd
}

func newListenCommand(opts *rootOptions) *cobra.Command {
	var (
		routes []string
		exact  bool
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Route links read from stdin, one per line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			table, err := parseRoutes(routes)
			if err != nil {
				return err
			}

			nav := tappick.NavigatorFunc(func(_ context.Context, route string, d tappick.DeepLinkData) {
				fmt.Fprintf(out, "%s\t%s\n", route, d.Raw)
			})
			client, release, err := opts.newClient(ctx, tappick.WithNavigator(nav))
			if err != nil {
				return err
			}
			defer release()

			mode := tappick.MatchPrefix
			if exact {
				mode = tappick.MatchExact
			}
			if err := client.RegisterRoutes(ctx, table, mode); err != nil {
				return err
			}

			links := make(chan string)
			go func() {
				defer close(links)
				scanner := bufio.NewScanner(cmd.InOrStdin())
				for scanner.Scan() {
					line := strings.TrimSpace(scanner.Text())
					if line == "" {
						continue
					}
					select {
					case links <- line:
					case <-ctx.Done():
						return
					}
				}
			}()

			client.ListenLinks(ctx, links)
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&routes, "route", "r", nil, "route as pattern=name (repeatable, evaluated in order)")
	cmd.Flags().BoolVar(&exact, "exact", false, "match route patterns exactly instead of by prefix")
	return cmd
}

// parseProps turns key=value pairs into event properties.
func parseProps(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	props := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid property %q: want key=value", p)
		}
		props[k] = v
	}
	return props, nil
}

// parseRoutes turns pattern=name pairs into named routes.
func parseRoutes(pairs []string) ([]tappick.Route, error) {
	if len(pairs) == 0 {
		return nil, errors.New("at least one --route is required")
	}
	routes := make([]tappick.Route, 0, len(pairs))
	for _, p := range pairs {
		pattern, name, ok := strings.Cut(p, "=")
		if !ok || pattern == "" || name == "" {
			return nil, fmt.Errorf("invalid route %q: want pattern=name", p)
		}
		routes = append(routes, tappick.Route{Pattern: pattern, Target: tappick.NamedRoute{Name: name}})
	}
	return routes, nil
}
