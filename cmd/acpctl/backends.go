package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var backendsJSON bool

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List the configured agent CLIs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		all := cfg.AllBackends()

		if backendsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(all)
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tCOMMAND\tLOGIN")
		for _, b := range all {
			id := b.ID
			if id == cfg.DefaultBackend {
				id += " *"
			}
			login := "-"
			if b.InteractiveAuth {
				login = strings.TrimSpace(b.AuthCommand + " " + strings.Join(b.AuthArgs, " "))
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", id, b.Name, strings.TrimSpace(b.Command+" "+strings.Join(b.Args, " ")), login)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(backendsCmd)
	backendsCmd.Flags().BoolVar(&backendsJSON, "json", false, "Output as JSON")
}
