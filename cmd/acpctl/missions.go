package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"acpdesk/mission"

	"github.com/spf13/cobra"
)

var (
	missionsConversation string
	missionsTeam         string
	missionsJSON         bool
)

var missionsCmd = &cobra.Command{
	Use:   "missions",
	Short: "Inspect the mission ledger",
}

var missionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List missions, optionally for one conversation and team",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := mission.OpenSQLite(cmd.Context(), cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer store.Close()

		ms, err := store.List(cmd.Context(), mission.Filter{ConversationID: missionsConversation, TeamName: missionsTeam})
		if err != nil {
			return err
		}

		if missionsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(ms)
		}
		printMissions(os.Stdout, ms)
		return nil
	},
}

var missionsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the missions of a conversation, or of one team in it",
	RunE: func(cmd *cobra.Command, args []string) error {
		if missionsConversation == "" {
			return fmt.Errorf("--conversation is required")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := mission.OpenSQLite(cmd.Context(), cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer store.Close()

		sync := mission.NewSynchronizer(store, nil)
		var n int
		if missionsTeam != "" {
			n, err = sync.DeleteTeam(cmd.Context(), missionsConversation, missionsTeam)
		} else {
			n, err = sync.DeleteConversation(cmd.Context(), missionsConversation)
		}
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %d missions.\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(missionsCmd)
	missionsCmd.AddCommand(missionsListCmd, missionsClearCmd)
	missionsCmd.PersistentFlags().StringVar(&missionsConversation, "conversation", "", "Conversation id")
	missionsCmd.PersistentFlags().StringVar(&missionsTeam, "team", "", "Team name")
	missionsListCmd.Flags().BoolVar(&missionsJSON, "json", false, "Output as JSON")
}

func printMissions(w io.Writer, ms []*mission.Mission) {
	if len(ms) == 0 {
		fmt.Fprintln(w, "No missions.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CONVERSATION\tTEAM\tID\tSTATE\tASSIGNEE\tSUBJECT\tUPDATED")
	for _, m := range ms {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			m.ConversationID, m.TeamName, m.ExternalID, m.State, m.Assignee, m.Subject,
			m.UpdatedAt.Local().Format(time.DateTime))
	}
	tw.Flush()
}
