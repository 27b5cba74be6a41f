package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"atelier/internal/domain"
	"atelier/internal/engine"
	"atelier/internal/repo"
)

func designCmd() *cobra.Command {
	c := &cobra.Command{Use: "design", Short: "Submit and review designs"}
	c.AddCommand(designCreateCmd())
	c.AddCommand(designListCmd())
	c.AddCommand(designShowCmd())
	c.AddCommand(designValidateCmd())
	c.AddCommand(designRejectCmd())
	c.AddCommand(designResubmitCmd())
	return c
}

func designCreateCmd() *cobra.Command {
	var opts engine.DesignCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a design for review",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CreateDesign(ctx, currentActor(), opts)
				if err != nil {
					return err
				}
				return printDesigns(d)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "design id (generated when empty)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.AssetRef, "asset-ref", "", "reference to the stored artwork")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func designListCmd() *cobra.Command {
	var f repo.DesignFilters
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List designs",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.DesignStatus(status)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListDesigns(ctx, f)
				if err != nil {
					return err
				}
				return printDesigns(items...)
			})
		},
	}
	cmd.Flags().StringVar(&f.VendorID, "vendor", "", "vendor filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter (PENDING, VALIDATED, REJECTED)")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum rows")
	return cmd
}

func designShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a design",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.GetDesign(ctx, args[0])
				if err != nil {
					return err
				}
				return printDesigns(d)
			})
		},
	}
}

func designValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <id>",
		Short: "Validate a design and cascade to its products",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ValidateDesign(ctx, currentActor(), args[0])
				if err != nil {
					return err
				}
				return printDecision(res)
			})
		},
	}
}

func designRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a pending design",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RejectDesign(ctx, currentActor(), args[0], reason)
				if err != nil {
					return err
				}
				return printDecision(res)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the design is rejected")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func designResubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resubmit <id>",
		Short: "Send a design back to review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ResubmitDesign(ctx, currentActor(), args[0])
				if err != nil {
					return err
				}
				return printDecision(res)
			})
		},
	}
}

func printDesigns(items ...domain.Design) error {
	if viper.GetBool("json") {
		if len(items) == 1 {
			return printJSON(items[0])
		}
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Vendor", "Title", "Status", "Validated by", "Reason"})
	for _, d := range items {
		by := ""
		if d.ValidatedBy != nil {
			by = d.ValidatedBy.Actor()
		}
		tw.AppendRow(table.Row{d.ID, d.VendorID, d.Title, d.Status, by, d.RejectionReason})
	}
	tw.Render()
	return nil
}

func printDecision(res engine.DesignDecision) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	if err := printDesigns(res.Design); err != nil {
		return err
	}
	fmt.Printf("cascade: %d product(s) affected\n", res.Cascade.Count())
	printOutcomes(res.Cascade.Outcomes, res.Cascade.Failures)
	return nil
}
