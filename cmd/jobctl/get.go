package main

import (
	"encoding/json"
	"jobflow/internal/store"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <collection> <jobId>",
		Short: "Print a job record as JSON",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := store.Open(cmd.Context(), viper.GetString("store_driver"))
			if err != nil {
				return err
			}
			defer h.Close()

			j, err := h.Store.Get(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(j)
		},
	}
}
