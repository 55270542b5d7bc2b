package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Larkin2512/RelDB/src/app"
)

func main() {
	root := &cobra.Command{
		Use:           "reldb",
		Short:         "Teaching-style relational storage engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(benchCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func benchCmd() *cobra.Command {
	opts := app.BenchOptions{}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a concurrent transaction workload against the page cache",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ep := &app.Entrypoint{}
			if err := ep.Init(cmd.Context()); err != nil {
				return err
			}
			defer ep.Close()

			return ep.RunBench(opts)
		},
	}

	cmd.Flags().IntVar(&opts.Workers, "workers", 8, "concurrent worker goroutines")
	cmd.Flags().IntVar(&opts.Txns, "txns", 1000, "transactions to run")
	cmd.Flags().IntVar(&opts.Tables, "tables", 2, "tables to spread load over")
	cmd.Flags().IntVar(&opts.TuplesPerTxn, "tuples", 4, "tuples inserted per transaction")
	cmd.Flags().IntVar(&opts.AbortEvery, "abort-every", 10, "abort every n-th transaction (0 disables)")
	return cmd
}
