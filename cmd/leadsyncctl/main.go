package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/coder/websocket"
	"github.com/joho/godotenv"
	"github.com/matheus3301/leadsync/internal/session"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const defaultAddr = "http://localhost:3000"

type options struct {
	addr    string
	dataDir string
	json    bool
	out     io.Writer
}

func main() {
	_ = godotenv.Load()
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{out: out}
	root := &cobra.Command{
		Use:          "leadsyncctl",
		Short:        "Control a running leadsyncd",
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&opts.addr, "addr", envOr("LEADSYNC_ADDR", defaultAddr), "daemon HTTP address")
	root.PersistentFlags().StringVar(&opts.dataDir, "data-dir", envOr("LEADSYNC_DATA_DIR", session.DefaultBaseDir()), "daemon data directory (for health checks)")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "output in JSON format")

	root.AddCommand(
		listCmd(opts),
		createCmd(opts),
		statusCmd(opts),
		qrCmd(opts),
		deleteCmd(opts),
		syncCmd(opts),
		followupCmd(opts),
		followupsCmd(opts),
		leadsCmd(opts),
		summaryCmd(opts),
		eventsCmd(opts),
		healthCmd(opts),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// baseURL accepts a full URL, host:port, or a bare :port as written in the
// daemon's listen_addr.
func baseURL(addr string) string {
	switch {
	case strings.HasPrefix(addr, "http://"), strings.HasPrefix(addr, "https://"):
		return addr
	case strings.HasPrefix(addr, ":"):
		return "http://localhost" + addr
	default:
		return "http://" + addr
	}
}

func (o *options) client() *client {
	return newClient(baseURL(o.addr))
}

func (o *options) printJSON(v any) error {
	enc := json.NewEncoder(o.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (o *options) table() *tabwriter.Writer {
	return tabwriter.NewWriter(o.out, 0, 4, 2, ' ', 0)
}

func listCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp struct {
				List []sessionRecord `json:"list"`
			}
			if err := o.client().do(cmd.Context(), http.MethodGet, "/whatsapp/list", nil, nil, &resp); err != nil {
				return err
			}
			if o.json {
				return o.printJSON(resp)
			}
			tw := o.table()
			_, _ = fmt.Fprintln(tw, "ID\tSTATUS\tLAST ACTIVITY")
			for _, s := range resp.List {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", s.ID, s.Status, formatActivity(s.LastActivity))
			}
			return tw.Flush()
		},
	}
}

func formatActivity(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func printSession(o *options, s sessionRecord) error {
	if o.json {
		return o.printJSON(s)
	}
	_, _ = fmt.Fprintf(o.out, "Session:       %s\n", s.ID)
	_, _ = fmt.Fprintf(o.out, "Status:        %s\n", s.Status)
	_, _ = fmt.Fprintf(o.out, "Last activity: %s\n", formatActivity(s.LastActivity))
	if s.QR != "" {
		_, _ = fmt.Fprintf(o.out, "Pairing code pending. Run: leadsyncctl qr %s\n", s.ID)
	}
	return nil
}

func createCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "create [id]",
		Short: "Create a session (a random id is generated when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body struct {
				ID string `json:"id,omitempty"`
			}
			if len(args) == 1 {
				body.ID = args[0]
			}
			var rec sessionRecord
			if err := o.client().do(cmd.Context(), http.MethodPost, "/whatsapp/create", nil, body, &rec); err != nil {
				return err
			}
			return printSession(o, rec)
		},
	}
}

func statusCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show a session's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rec sessionRecord
			if err := o.client().do(cmd.Context(), http.MethodGet, "/whatsapp/status/"+url.PathEscape(args[0]), nil, nil, &rec); err != nil {
				return err
			}
			return printSession(o, rec)
		},
	}
}

func qrCmd(o *options) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "qr <id>",
		Short: "Save a session's pending pairing code as a PNG",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rec sessionRecord
			if err := o.client().do(cmd.Context(), http.MethodGet, "/whatsapp/status/"+url.PathEscape(args[0]), nil, nil, &rec); err != nil {
				return err
			}
			png, err := decodeDataURL(rec.QR)
			if err != nil {
				return fmt.Errorf("session %s (%s): %w", rec.ID, rec.Status, err)
			}
			path := output
			if path == "" {
				path = rec.ID + "-qr.png"
			}
			if err := os.WriteFile(path, png, 0600); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(o.out, "Pairing code written to %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default <id>-qr.png)")
	return cmd
}

var errNoCode = errors.New("no pairing code pending")

func decodeDataURL(s string) ([]byte, error) {
	const prefix = "data:image/png;base64,"
	if !strings.HasPrefix(s, prefix) {
		return nil, errNoCode
	}
	return base64.StdEncoding.DecodeString(strings.TrimPrefix(s, prefix))
}

func deleteCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Stop a session and remove its authentication state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Message string `json:"message"`
			}
			if err := o.client().do(cmd.Context(), http.MethodDelete, "/whatsapp/"+url.PathEscape(args[0]), nil, nil, &resp); err != nil {
				return err
			}
			if o.json {
				return o.printJSON(resp)
			}
			_, _ = fmt.Fprintln(o.out, resp.Message)
			return nil
		},
	}
}

func printRun(o *options, res runResult) error {
	if o.json {
		return o.printJSON(res)
	}
	_, _ = fmt.Fprintf(o.out, "%s (%d)\n", res.Message, res.Total)
	return nil
}

func syncCmd(o *options) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "sync <id>",
		Short: "Scan recent chats into the contact ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if days > 0 {
				q.Set("days", strconv.Itoa(days))
			}
			var res runResult
			if err := o.client().do(cmd.Context(), http.MethodPost, "/whatsapp/sync/"+url.PathEscape(args[0]), q, nil, &res); err != nil {
				return err
			}
			return printRun(o, res)
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "look-back window in days (default from daemon config)")
	return cmd
}

func followupCmd(o *options) *cobra.Command {
	var days string
	cmd := &cobra.Command{
		Use:   "followup <id>",
		Short: "Send follow-ups to contacts at the target day counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if days != "" {
				q.Set("days", days)
			}
			var res runResult
			if err := o.client().do(cmd.Context(), http.MethodPost, "/whatsapp/followup/"+url.PathEscape(args[0]), q, nil, &res); err != nil {
				return err
			}
			return printRun(o, res)
		},
	}
	cmd.Flags().StringVar(&days, "days", "", "comma-separated day targets, e.g. 1,3,5 (default from daemon config)")
	return cmd
}

func followupsCmd(o *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "followups <id>",
		Short: "Show recent follow-up attempts of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"limit": {strconv.Itoa(limit)}}
			var resp struct {
				Followups []followupEntry `json:"followups"`
			}
			if err := o.client().do(cmd.Context(), http.MethodGet, "/whatsapp/followups/"+url.PathEscape(args[0]), q, nil, &resp); err != nil {
				return err
			}
			if o.json {
				return o.printJSON(resp)
			}
			tw := o.table()
			_, _ = fmt.Fprintln(tw, "WHEN\tNUMBER\tDAYS\tSTATUS\tERROR")
			for _, f := range resp.Followups {
				when := time.UnixMilli(f.CreatedAt).Local().Format(time.DateTime)
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", when, f.Number, f.DayCounter, f.Status, f.Error)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries")
	return cmd
}

func leadsCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leads",
		Short: "List ledger records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp struct {
				Leads []leadRecord `json:"leads"`
			}
			if err := o.client().do(cmd.Context(), http.MethodGet, "/leads", nil, nil, &resp); err != nil {
				return err
			}
			if o.json {
				return o.printJSON(resp)
			}
			tw := o.table()
			_, _ = fmt.Fprintln(tw, "NAME\tNUMBER\tLAST INTERACTION\tDAYS\tSTATUS\tREPLIED\tSOURCE")
			for _, l := range resp.Leads {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%t\t%s\n",
					l.Name, l.Number, l.LastInteractionAt, l.DayCounter, l.Status, l.Replied, l.Source)
			}
			return tw.Flush()
		},
	}

	var lead struct {
		Name    string `json:"name"`
		Number  string `json:"number"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Replies bool   `json:"replies"`
		Notes   string `json:"notes"`
		Source  string `json:"source"`
	}
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a lead by hand",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var rec leadRecord
			if err := o.client().do(cmd.Context(), http.MethodPost, "/leads", nil, lead, &rec); err != nil {
				return err
			}
			if o.json {
				return o.printJSON(rec)
			}
			_, _ = fmt.Fprintf(o.out, "Added %s (%s)\n", rec.Name, rec.Number)
			return nil
		},
	}
	add.Flags().StringVar(&lead.Name, "name", "", "contact name")
	add.Flags().StringVar(&lead.Number, "number", "", "contact number")
	add.Flags().StringVar(&lead.Message, "message", "", "last message")
	add.Flags().StringVar(&lead.Status, "status", "", "New or Active (default New)")
	add.Flags().BoolVar(&lead.Replies, "replied", false, "operator already replied")
	add.Flags().StringVar(&lead.Notes, "notes", "", "free-form notes")
	add.Flags().StringVar(&lead.Source, "source", "", "lead source")
	_ = add.MarkFlagRequired("number")
	cmd.AddCommand(add)
	return cmd
}

func summaryCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Show ledger totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var s summary
			if err := o.client().do(cmd.Context(), http.MethodGet, "/dashboard/summary", nil, nil, &s); err != nil {
				return err
			}
			if o.json {
				return o.printJSON(s)
			}
			_, _ = fmt.Fprintf(o.out, "Leads:   %d (%d active)\n", s.TotalLeads, s.ActiveCount)
			_, _ = fmt.Fprintf(o.out, "Replies: %d done, %d pending\n", s.RepliesDone, s.RepliesPending)
			for src, n := range s.Sources {
				_, _ = fmt.Fprintf(o.out, "  source %s: %d\n", src, n)
			}
			return nil
		},
	}
}

func eventsCmd(o *options) *cobra.Command {
	var sessionID, prefix string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream daemon events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			q := url.Values{}
			if sessionID != "" {
				q.Set("session", sessionID)
			}
			if prefix != "" {
				q.Set("prefix", prefix)
			}
			conn, _, err := websocket.Dial(ctx, o.client().wsURL("/whatsapp/events", q), nil)
			if err != nil {
				return fmt.Errorf("connect event stream: %w", err)
			}
			defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

			for {
				_, data, err := conn.Read(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				_, _ = fmt.Fprintln(o.out, string(data))
			}
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "only events of this session")
	cmd.Flags().StringVar(&prefix, "prefix", "", "only events whose kind starts with this prefix")
	return cmd
}

func healthCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health [session]",
		Short: "Query the daemon's gRPC health endpoint",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			service := ""
			if len(args) == 1 {
				service = args[0]
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			st, err := checkHealth(ctx, session.HealthSocketPath(o.dataDir), service)
			if err != nil {
				return err
			}
			if o.json {
				return o.printJSON(map[string]string{"service": service, "status": st.String()})
			}
			_, _ = fmt.Fprintln(o.out, st.String())
			if st != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("%s", st.String())
			}
			return nil
		},
	}
}

func checkHealth(ctx context.Context, socketPath, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return 0, err
	}
	defer func() { _ = conn.Close() }()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return 0, fmt.Errorf("health check %q via %s: %w", service, socketPath, err)
	}
	return resp.Status, nil
}
