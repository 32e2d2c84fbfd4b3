package cli

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/phoenixguard/sentinel/internal/store/sqlite"
	"github.com/phoenixguard/sentinel/pkg/types"
)

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Watch/query persisted events",
	}

	cmd.AddCommand(newEventsTailCmd())
	cmd.AddCommand(newEventsQueryCmd())
	return cmd
}

func newEventsTailCmd() *cobra.Command {
	var typesCSV string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail live events (SSE)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var eventTypes []string
			if typesCSV != "" {
				eventTypes = strings.Split(typesCSV, ",")
			}
			cfg := getClientConfig(cmd)
			body, err := cfg.api().StreamEvents(commandContext(cmd), eventTypes)
			if err != nil {
				return err
			}
			defer body.Close()

			sc := bufio.NewScanner(body)
			sc.Buffer(make([]byte, 64*1024), 1024*1024)
			for sc.Scan() {
				line := sc.Text()
				if data, ok := strings.CutPrefix(line, "data: "); ok && data != "{}" {
					fmt.Fprintln(cmd.OutOrStdout(), data)
				}
			}
			if err := sc.Err(); err != nil && commandContext(cmd).Err() == nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&typesCSV, "type", "", "Comma-separated event types")
	return cmd
}

type eventQueryFlags struct {
	typesCSV  string
	operation string
	caller    string
	action    string
	since     string
	until     string
	textLike  string
	limit     int
	offset    int
	order     string
}

func (f *eventQueryFlags) params() url.Values {
	params := url.Values{}
	set := func(k, v string) {
		if v != "" {
			params.Set(k, v)
		}
	}
	set("type", f.typesCSV)
	set("operation", f.operation)
	set("caller", f.caller)
	set("action", f.action)
	set("since", f.since)
	set("until", f.until)
	set("text_like", f.textLike)
	set("order", f.order)
	if f.limit != 0 {
		params.Set("limit", strconv.Itoa(f.limit))
	}
	if f.offset != 0 {
		params.Set("offset", strconv.Itoa(f.offset))
	}
	return params
}

func (f *eventQueryFlags) query() (types.EventQuery, error) {
	var q types.EventQuery
	if f.typesCSV != "" {
		q.Types = strings.Split(f.typesCSV, ",")
	}
	q.Operation = f.operation
	q.Caller = f.caller
	if f.action != "" {
		switch a := types.Action(f.action); a {
		case types.ActionAllow, types.ActionBlock, types.ActionRedirect:
			q.Action = &a
		default:
			return q, fmt.Errorf("unknown action %q (allow|block|redirect)", f.action)
		}
	}
	if f.since != "" {
		t, err := parseTimeOrAgo(f.since)
		if err != nil {
			return q, err
		}
		q.Since = &t
	}
	if f.until != "" {
		t, err := parseTimeOrAgo(f.until)
		if err != nil {
			return q, err
		}
		q.Until = &t
	}
	q.TextLike = f.textLike
	q.Limit = f.limit
	q.Offset = f.offset
	q.Asc = strings.EqualFold(f.order, "asc")
	return q, nil
}

func newEventsQueryCmd() *cobra.Command {
	var (
		f        eventQueryFlags
		directDB bool
		dbPath   string
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query events (API by default; --direct-db for offline)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if directDB {
				q, err := f.query()
				if err != nil {
					return err
				}
				st, err := sqlite.Open(directDBPath(dbPath))
				if err != nil {
					return err
				}
				defer st.Close()
				evs, err := st.QueryEvents(commandContext(cmd), q)
				if err != nil {
					return err
				}
				return printJSON(cmd, evs)
			}

			cfg := getClientConfig(cmd)
			ctx, cancel := context.WithTimeout(commandContext(cmd), cfg.timeout)
			defer cancel()
			evs, err := cfg.api().SearchEvents(ctx, f.params())
			if err != nil {
				return err
			}
			return printJSON(cmd, evs)
		},
	}

	cmd.Flags().StringVar(&f.typesCSV, "type", "", "Comma-separated event types (intercept, threshold_crossed, mode_changed, statistics_reset)")
	cmd.Flags().StringVar(&f.operation, "operation", "", "Operation name, e.g. SPI-WRITE")
	cmd.Flags().StringVar(&f.caller, "caller", "", "Caller id")
	cmd.Flags().StringVar(&f.action, "action", "", "Verdict action filter (allow|block|redirect)")
	cmd.Flags().StringVar(&f.since, "since", "", "Start time (RFC3339) or duration (e.g. 1h)")
	cmd.Flags().StringVar(&f.until, "until", "", "End time (RFC3339) or duration (e.g. 5m)")
	cmd.Flags().StringVar(&f.textLike, "text-like", "", "SQL LIKE pattern for raw JSON payload")
	cmd.Flags().IntVar(&f.limit, "limit", 200, "Result limit")
	cmd.Flags().IntVar(&f.offset, "offset", 0, "Result offset")
	cmd.Flags().StringVar(&f.order, "order", "desc", "Sort order: asc|desc")

	cmd.Flags().BoolVar(&directDB, "direct-db", false, "Query local SQLite directly (offline)")
	cmd.Flags().StringVar(&dbPath, "db-path", "", "SQLite DB path (used with --direct-db)")

	return cmd
}

func newIncidentsCmd() *cobra.Command {
	var (
		directDB bool
		dbPath   string
	)
	cmd := &cobra.Command{
		Use:   "incidents",
		Short: "List recorded threshold crossings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if directDB {
				st, err := sqlite.Open(directDBPath(dbPath))
				if err != nil {
					return err
				}
				defer st.Close()
				incs, err := st.ListIncidents(commandContext(cmd))
				if err != nil {
					return err
				}
				return printJSON(cmd, incs)
			}
			cfg := getClientConfig(cmd)
			ctx, cancel := context.WithTimeout(commandContext(cmd), cfg.timeout)
			defer cancel()
			incs, err := cfg.api().Incidents(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, incs)
		},
	}
	cmd.Flags().BoolVar(&directDB, "direct-db", false, "Read local SQLite directly (offline)")
	cmd.Flags().StringVar(&dbPath, "db-path", "", "SQLite DB path (used with --direct-db)")
	return cmd
}

func newReloadCmd() *cobra.Command {
	var status bool
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Re-read the daemon's config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			ctx, cancel := context.WithTimeout(commandContext(cmd), cfg.timeout)
			defer cancel()
			c := cfg.api()
			if status {
				st, err := c.ReloadStatus(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, st)
			}
			if err := c.TriggerReload(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "reload scheduled")
			return nil
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "Show watcher and runtime config status instead")
	return cmd
}

func directDBPath(p string) string {
	if p != "" {
		return p
	}
	return getenvDefault("SENTINEL_DB_PATH", "/var/lib/sentinel/events.db")
}

func parseTimeOrAgo(s string) (time.Time, error) {
	if strings.ContainsAny(s, "smh") && !strings.Contains(s, "T") {
		d, err := time.ParseDuration(s)
		if err != nil {
			return time.Time{}, err
		}
		return time.Now().UTC().Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
