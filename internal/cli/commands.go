package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tillcloud/reconciler/internal/app/series"
	"github.com/tillcloud/reconciler/internal/daemon"
	"github.com/tillcloud/reconciler/internal/domain"
	"github.com/tillcloud/reconciler/internal/infra/store"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.AddCommand(foundingCmd)
	foundingCmd.AddCommand(foundingAssignCmd)
	foundingCmd.AddCommand(foundingStatusCmd)

	rootCmd.AddCommand(seriesCmd)
	seriesCmd.AddCommand(seriesExpandCmd)
	seriesExpandCmd.Flags().String("start", "", "First date, YYYY-MM-DD (required)")
	seriesExpandCmd.Flags().String("time", "09:00", "Start time, HH:MM")
	seriesExpandCmd.Flags().String("end", "", "Last date, YYYY-MM-DD, inclusive")
	seriesExpandCmd.Flags().String("recurrence", string(series.RecurrenceWeekly), "none or weekly")
	seriesExpandCmd.Flags().Duration("duration", time.Hour, "Appointment length")
	seriesExpandCmd.Flags().String("tz", "UTC", "IANA timezone")
	seriesExpandCmd.Flags().Int64("price", 0, "Price per occurrence in minor units")

	rootCmd.AddCommand(outboxCmd)
	outboxCmd.AddCommand(outboxDrainCmd)
	outboxCmd.AddCommand(outboxListCmd)
	outboxListCmd.Flags().String("tenant", "", "Tenant id (required)")
}

// ─── serve ──────────────────────────────────────────────────────────────────

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server and outbox worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon(false)
		if err != nil {
			return err
		}
		defer d.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return d.Run(ctx)
	},
}

// ─── migrate ────────────────────────────────────────────────────────────────

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := store.Open(store.Options{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN, Dir: cfg.Database.Dir})
		if err != nil {
			return err
		}
		defer db.Close()
		fmt.Fprintf(out(cmd), "Schema up to date (%s, %d statements)\n", db.Driver(), len(store.Migrations()))
		return nil
	},
}

// ─── version ────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(out(cmd), "reconciler %s\n", daemon.Version)
	},
}

// ─── founding ───────────────────────────────────────────────────────────────

var foundingCmd = &cobra.Command{
	Use:   "founding",
	Short: "Manage founding-member slots",
}

var foundingAssignCmd = &cobra.Command{
	Use:   "assign TENANT_ID",
	Short: "Grant a founding-member slot (requires RECONCILER_ADMIN_TOKEN)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon(true)
		if err != nil {
			return err
		}
		defer d.Close()

		asg, err := d.Founding.Override(cmd.Context(), args[0], d.Config.AdminToken)
		switch {
		case errors.Is(err, domain.ErrSlotsExhausted):
			return fmt.Errorf("all %d founding slots are taken", d.Config.Founding.Limit)
		case err != nil:
			return err
		case asg.Existing:
			fmt.Fprintf(out(cmd), "Tenant %s already holds founding slot #%d\n", asg.TenantID, asg.Ordinal)
		default:
			fmt.Fprintf(out(cmd), "Tenant %s granted founding slot #%d\n", asg.TenantID, asg.Ordinal)
		}
		return nil
	},
}

var foundingStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show founding-member slot usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon(true)
		if err != nil {
			return err
		}
		defer d.Close()

		st, err := d.Founding.Status(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(out(cmd), "Founding slots: %d/%d assigned, %d remaining\n", st.Assigned, st.Limit, st.Remaining)
		return nil
	},
}

// ─── series ─────────────────────────────────────────────────────────────────

var seriesCmd = &cobra.Command{
	Use:   "series",
	Short: "Recurring booking tools",
}

var seriesExpandCmd = &cobra.Command{
	Use:   "expand",
	Short: "Preview the occurrences and charge of a recurring series",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		start, _ := f.GetString("start")
		at, _ := f.GetString("time")
		end, _ := f.GetString("end")
		rec, _ := f.GetString("recurrence")
		dur, _ := f.GetDuration("duration")
		tz, _ := f.GetString("tz")
		price, _ := f.GetInt64("price")

		loc, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("timezone %q: %w", tz, err)
		}
		rule, err := series.ParseRule(start, at, end, series.Recurrence(rec), dur, loc)
		if err != nil {
			return err
		}
		occ, err := series.Expand(rule)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(out(cmd), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "#\tSTART\tEND")
		for i, o := range occ {
			fmt.Fprintf(w, "%d\t%s\t%s\n", i+1, o.Start.Format(time.RFC3339), o.End.Format(time.RFC3339))
		}
		w.Flush()
		fmt.Fprintf(out(cmd), "%d occurrences, total %d\n", len(occ), series.Quote(occ, price))
		return nil
	},
}

// ─── outbox ─────────────────────────────────────────────────────────────────

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and drive secondary effects",
}

var outboxDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Apply every ready outbox record and send queued email, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon(true)
		if err != nil {
			return err
		}
		defer d.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
		defer cancel()
		n, err := d.Worker.Drain(ctx)
		if err != nil {
			return err
		}
		sent, failed, err := d.Dispatcher.DrainOnce(ctx)
		if err != nil {
			return err
		}
		st := d.Worker.Stats()
		fmt.Fprintf(out(cmd), "Outbox: %d claimed, %d done, %d retrying, %d failed\n", n, st.Completed, st.Retried, st.Failed)
		fmt.Fprintf(out(cmd), "Email: %d sent, %d failed\n", sent, failed)
		return nil
	},
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a tenant's outbox records as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID, _ := cmd.Flags().GetString("tenant")
		if tenantID == "" {
			return errors.New("--tenant is required")
		}
		d, err := openDaemon(true)
		if err != nil {
			return err
		}
		defer d.Close()

		recs, err := d.DB.ListOutbox(cmd.Context(), tenantID)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(out(cmd))
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	},
}
