package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	internalerrors "github.com/rcourtman/slipgate/internal/errors"
	"github.com/rcourtman/slipgate/internal/registry"
)

const cliTimeFormat = "2006-01-02 15:04"

func defaultDataDir() string {
	if dir := os.Getenv("SLIPGATE_DATA_DIR"); dir != "" {
		return dir
	}
	return "./data"
}

// openStore opens an existing registry without requiring platform credentials.
func openStore(dataDir string) (*registry.Store, error) {
	path := filepath.Join(dataDir, "slipgate.db")
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no registry at %s: %w", path, err)
	}
	return registry.Open(path)
}

func newOrdersCmd() *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "Inspect the order ledger",
	}
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir(), "directory holding slipgate.db")
	cmd.AddCommand(newOrdersListCmd(&dataDir), newOrdersShowCmd(&dataDir))
	return cmd
}

func newOrdersListCmd(dataDir *string) *cobra.Command {
	var (
		status string
		buyer  string
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orders, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := registry.OrderFilter{BuyerID: buyer, Status: registry.OrderStatus(status), Limit: limit}
			if status != "" && !filter.Status.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}

			store, err := openStore(*dataDir)
			if err != nil {
				return err
			}
			defer store.Close()

			orders, err := store.Orders().List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), orders)
			}
			return printOrders(cmd.OutOrStdout(), orders)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only orders in this status (pending, pending_review, paid, rejected)")
	cmd.Flags().StringVar(&buyer, "buyer", "", "only orders placed by this buyer ID")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of orders")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func newOrdersShowCmd(dataDir *string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <order-id>",
		Short: "Show one order with its history and entitlement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(*dataDir)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			order, err := store.Orders().Get(ctx, args[0])
			if err != nil {
				return err
			}
			if order == nil {
				return internalerrors.NotFound("orders.show", args[0])
			}
			events, err := store.Orders().Events(ctx, order.ID)
			if err != nil {
				return err
			}
			ent, err := store.Entitlements().GetByOrder(ctx, order.ID)
			if err != nil {
				return err
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), struct {
					Order       *registry.Order       `json:"order"`
					Events      []registry.OrderEvent `json:"events"`
					Entitlement *registry.Entitlement `json:"entitlement,omitempty"`
				}{order, events, ent})
			}
			return printOrderDetail(cmd.OutOrStdout(), order, events, ent)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of text")
	return cmd
}

func printOrders(w io.Writer, orders []*registry.Order) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ORDER\tBUYER\tPLAN\tAMOUNT\tSTATUS\tCREATED")
	for _, o := range orders {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%s\t%s\n",
			o.ID, o.BuyerID, o.PlanID, o.PriceAmount, o.Status, o.CreatedAt.UTC().Format(cliTimeFormat))
	}
	return tw.Flush()
}

func printOrderDetail(w io.Writer, o *registry.Order, events []registry.OrderEvent, ent *registry.Entitlement) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Order:\t%s\n", o.ID)
	fmt.Fprintf(tw, "Buyer:\t%s\n", o.BuyerID)
	fmt.Fprintf(tw, "Plan:\t%s (%d days, role %s)\n", o.PlanID, o.DurationDays, o.RoleID)
	fmt.Fprintf(tw, "Amount:\t%.2f\n", o.PriceAmount)
	fmt.Fprintf(tw, "Status:\t%s\n", o.Status)
	if o.DecidedBy != "" {
		fmt.Fprintf(tw, "Decided by:\t%s\n", o.DecidedBy)
	}
	if o.DecisionReason != "" {
		fmt.Fprintf(tw, "Reason:\t%s\n", o.DecisionReason)
	}
	if ent != nil {
		fmt.Fprintf(tw, "Entitlement:\t%s expires %s\n", ent.ID, ent.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(events) == 0 {
		return nil
	}
	fmt.Fprintln(w, "\nHistory:")
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, ev := range events {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", ev.CreatedAt.UTC().Format(cliTimeFormat), ev.Kind, ev.Actor, ev.Detail)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
