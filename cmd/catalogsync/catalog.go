package main

import (
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/catalogsync/catalogsync/internal/catalog"
	"github.com/catalogsync/catalogsync/internal/product"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage the local product catalog",
}

var (
	addTitle    string
	addImageURL string
)

var catalogAddCmd = &cobra.Command{
	Use:   "add PRODUCT_ID ASIN_OR_URL",
	Short: "Add or update a catalog product",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		asin := product.Sanitize(args[1])
		ok := product.ValidateFormat(asin)
		if !ok {
			asin, ok = product.ExtractASIN(args[1])
		}
		if !ok {
			return errors.Newf("%q does not contain a valid ASIN", args[1])
		}
		p := &catalog.Product{
			ID:           args[0],
			Title:        addTitle,
			ASIN:         asin,
			ImageURL:     addImageURL,
			AffiliateURL: product.CanonicalURL(a.cfg.PAAPI.Marketplace, asin, a.cfg.PAAPI.PartnerTag),
		}
		if err := a.catalog.Upsert(cmd.Context(), p); err != nil {
			return err
		}
		saved, err := a.catalog.FetchProduct(cmd.Context(), p.ID)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), saved)
	},
}

var (
	listLinkStatus string
	listReview     bool
)

var catalogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog products with their sync status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		f := catalog.ListFilter{LinkStatus: catalog.LinkStatus(listLinkStatus)}
		if listReview {
			f.NeedsReview = catalog.Ptr(true)
		}
		products, err := a.catalog.List(cmd.Context(), f)
		if err != nil {
			return err
		}
		if products == nil {
			products = []*catalog.Product{}
		}
		return printJSON(cmd.OutOrStdout(), products)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show catalog sync status and job counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		sum, err := a.service(nil).StatusSummary(cmd.Context())
		if err != nil {
			return err
		}
		counts, err := a.jobs.Counts(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"products": sum, "jobs": counts})
	},
}

func init() {
	catalogAddCmd.Flags().StringVar(&addTitle, "title", "", "product title")
	catalogAddCmd.Flags().StringVar(&addImageURL, "image-url", "", "current image URL")
	catalogListCmd.Flags().StringVar(&listLinkStatus, "link-status", "", "filter by link status (valid, invalid, checking)")
	catalogListCmd.Flags().BoolVar(&listReview, "needs-review", false, "only products flagged for review")
	catalogCmd.AddCommand(catalogAddCmd, catalogListCmd)
}
