package main

import (
	"github.com/spf13/cobra"

	"github.com/catalogsync/catalogsync/internal/product"
)

var (
	lookupValidate bool
	lookupRefresh  bool
)

var lookupCmd = &cobra.Command{
	Use:   "lookup ASIN...",
	Short: "Look up products on the upstream API",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if lookupValidate {
			results := make(map[string]product.Validation, len(args))
			for _, asin := range args {
				v, err := a.client.ValidateIdentifier(ctx, asin)
				if err != nil {
					return err
				}
				results[asin] = v
			}
			return printJSON(out, results)
		}

		if len(args) == 1 {
			get := a.client.GetProduct
			if lookupRefresh {
				get = a.client.Refresh
			}
			res, err := get(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(out, res)
		}

		var all product.BatchResult
		for start := 0; start < len(args); start += product.MaxBatchSize {
			batch := args[start:min(start+product.MaxBatchSize, len(args))]
			if lookupRefresh {
				for _, asin := range batch {
					a.client.Invalidate(asin)
				}
			}
			res, err := a.client.GetProducts(ctx, batch)
			if err != nil {
				return err
			}
			all.Succeeded = append(all.Succeeded, res.Succeeded...)
			all.Failed = append(all.Failed, res.Failed...)
		}
		return printJSON(out, all)
	},
}

func init() {
	lookupCmd.Flags().BoolVar(&lookupValidate, "validate", false, "only check that each ASIN exists")
	lookupCmd.Flags().BoolVar(&lookupRefresh, "refresh", false, "bypass the cache")
}
