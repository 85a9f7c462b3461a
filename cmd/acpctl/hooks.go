package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"acpdesk/config"
	"acpdesk/hooks"

	"github.com/spf13/cobra"
)

var (
	hooksEvent     string
	hooksFirst     bool
	hooksAssistant string
	hooksPreset    string
	hooksSkills    []string
)

var hooksCmd = &cobra.Command{
	Use:   "hooks",
	Short: "Inspect and try the message hooks",
}

var hooksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the hooks in execution order",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		registry := newRegistry(cfg)

		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "EVENT\tPRIORITY\tMODULE\tSOURCE\tSCOPE\tENABLED\tPATH")
		for _, event := range []string{hooks.EventSendMessage, hooks.EventFirstMessage} {
			for _, h := range hooks.Select(registry.Hooks(event), event, hooksAssistant) {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%t\t%s\n", h.Event, h.Priority, h.Module, h.Source, h.Scope, h.Enabled, h.Path)
			}
		}
		return tw.Flush()
	},
}

var hooksRunCmd = &cobra.Command{
	Use:   "run [message]",
	Short: "Run a message through the hooks and print the result",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		pipeline := hooks.NewPipeline(newRegistry(cfg))

		workdir, _ := os.Getwd()
		hctx := hooks.Context{
			Content:         strings.Join(args, " "),
			Workspace:       workdir,
			Backend:         cfg.DefaultBackend,
			Assistant:       hooksAssistant,
			EnabledSkills:   hooksSkills,
			ConversationID:  "acpctl",
			PresetContext:   hooksPreset,
			SkillsSourceDir: cfg.SkillsDir,
		}

		var out hooks.Outcome
		if hooksEvent != "" {
			out, err = pipeline.Run(cmd.Context(), hooksEvent, hctx)
		} else {
			out, err = pipeline.PrepareOutbound(cmd.Context(), hctx, hooksFirst)
		}
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stderr, "ran: %s\n", strings.Join(out.Ran, ", "))
		if len(out.Failed) > 0 {
			fmt.Fprintf(os.Stderr, "failed: %s\n", strings.Join(out.Failed, ", "))
		}
		if out.Blocked {
			return fmt.Errorf("blocked: %s", out.BlockReason)
		}
		fmt.Println(out.Content)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hooksCmd)
	hooksCmd.AddCommand(hooksListCmd, hooksRunCmd)
	hooksCmd.PersistentFlags().StringVar(&hooksAssistant, "assistant", "", "Only include hooks that apply to this assistant")
	hooksRunCmd.Flags().StringVar(&hooksEvent, "event", "", "Run a single event instead of the outbound pipeline")
	hooksRunCmd.Flags().BoolVar(&hooksFirst, "first", false, "Treat the message as the first of a conversation")
	hooksRunCmd.Flags().StringVar(&hooksPreset, "preset", "", "Preset rules")
	hooksRunCmd.Flags().StringSliceVar(&hooksSkills, "skill", nil, "Enabled skill (repeatable)")
}

func newRegistry(cfg *config.Config) *hooks.Registry {
	registry := hooks.NewRegistry(&hooks.Loader{
		AssistantsDir: cfg.AssistantsDir,
		AgentHooksDir: cfg.AgentHooksDir,
		Builtins:      hooks.Builtins(),
	}, hooks.DefaultHooks(cfg.SkillsDir)...)
	if err := registry.Reload(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	return registry
}
