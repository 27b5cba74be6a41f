package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"atelier/internal/domain"
	"atelier/internal/engine"
	"atelier/internal/repo"
)

func productCmd() *cobra.Command {
	c := &cobra.Command{Use: "product", Short: "Manage vendor products"}
	c.AddCommand(productCreateCmd())
	c.AddCommand(productListCmd())
	c.AddCommand(productShowCmd())
	c.AddCommand(productSubmitCmd())
	c.AddCommand(productActionCmd())
	c.AddCommand(productPublishCmd())
	return c
}

func productCreateCmd() *cobra.Command {
	var opts engine.ProductCreateOptions
	var action string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a product from one or more designs",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Action = domain.PostValidationAction(strings.ToUpper(action))
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProduct(ctx, currentActor(), opts)
				if err != nil {
					return err
				}
				return printProducts(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "product id (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "product name")
	cmd.Flags().StringSliceVar(&opts.DesignRefs, "design", nil, "referenced design id (repeatable)")
	cmd.Flags().StringVar(&action, "action", string(domain.ToDraft), "post-validation action (AUTO_PUBLISH, TO_DRAFT)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("design")
	return cmd
}

func productListCmd() *cobra.Command {
	var f repo.ProductFilters
	var status, validated string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List products",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.ProductStatus(status)
			switch validated {
			case "":
			case "true", "false":
				v := validated == "true"
				f.Validated = &v
			default:
				return fmt.Errorf("--validated must be true or false")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListProducts(ctx, f)
				if err != nil {
					return err
				}
				return printProducts(items...)
			})
		},
	}
	cmd.Flags().StringVar(&f.VendorID, "vendor", "", "vendor filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter (DRAFT, PENDING, PUBLISHED)")
	cmd.Flags().StringVar(&validated, "validated", "", "validation filter (true, false)")
	cmd.Flags().StringVar(&f.DesignID, "design", "", "only products referencing this design")
	cmd.Flags().BoolVar(&f.Unpublished, "unpublished", false, "exclude published products")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum rows")
	return cmd
}

func productShowCmd() *cobra.Command {
	return productOp("show <id>", "Show a product", func(ctx context.Context, e engine.Engine, id string) (domain.VendorProduct, error) {
		return e.GetProduct(ctx, id)
	})
}

func productSubmitCmd() *cobra.Command {
	return productOp("submit <id>", "Submit a draft for review", func(ctx context.Context, e engine.Engine, id string) (domain.VendorProduct, error) {
		return e.SubmitProduct(ctx, currentActor(), id)
	})
}

func productPublishCmd() *cobra.Command {
	return productOp("publish <id>", "Publish a validated product", func(ctx context.Context, e engine.Engine, id string) (domain.VendorProduct, error) {
		return e.PublishProduct(ctx, currentActor(), id)
	})
}

func productActionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "action <id> <AUTO_PUBLISH|TO_DRAFT>",
		Short: "Set the post-validation action",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			action := domain.PostValidationAction(strings.ToUpper(args[1]))
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.SetPostValidationAction(ctx, currentActor(), args[0], action)
				if err != nil {
					return err
				}
				return printProducts(p)
			})
		},
	}
}

func productOp(use, short string, op func(context.Context, engine.Engine, string) (domain.VendorProduct, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := op(ctx, e, args[0])
				if err != nil {
					return err
				}
				return printProducts(p)
			})
		},
	}
}

func printProducts(items ...domain.VendorProduct) error {
	if viper.GetBool("json") {
		if len(items) == 1 {
			return printJSON(items[0])
		}
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Vendor", "Name", "Designs", "Status", "Validated", "Action", "Can publish"})
	for _, p := range items {
		el := engine.EligibilityOf(p)
		tw.AppendRow(table.Row{
			p.ID, p.VendorID, p.Name, strings.Join(p.DesignRefs, ","), p.Status,
			p.IsValidated, p.PostValidationAction, el.CanPublish,
		})
	}
	tw.Render()
	return nil
}
