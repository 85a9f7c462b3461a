package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	"acpdesk/backend"
	"acpdesk/engine"
	"acpdesk/mission"

	"github.com/spf13/cobra"
)

var (
	runBackend     string
	runWorkdir     string
	runTeam        string
	runAssistant   string
	runPreset      string
	runSkills      []string
	runAttachments []string
	runAuto        bool
	runResume      string
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Send one prompt to an agent and stream the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if runAuto {
			cfg.AutoPermission = true
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		term := newTerminal(os.Stdout, os.Stderr, os.Stdin)
		rt, err := engine.NewRuntime(ctx, cfg, term, nil)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = rt.Close(closeCtx)
		}()
		term.respond = rt.Manager.RespondPermission

		workdir := runWorkdir
		if workdir == "" {
			if workdir, err = os.Getwd(); err != nil {
				return err
			}
		}
		opts, err := rt.StartOptions(runBackend, engine.StartOptions{
			Workdir:         workdir,
			Assistant:       runAssistant,
			PresetContext:   runPreset,
			EnabledSkills:   runSkills,
			Team:            runTeam,
			ResumeSessionID: runResume,
		})
		if err != nil {
			return err
		}

		id, err := rt.Manager.Start(ctx, opts)
		if err != nil {
			return fmt.Errorf("start %s: %w", opts.Backend.ID, err)
		}

		attachments := make([]backend.Attachment, 0, len(runAttachments))
		for _, path := range runAttachments {
			attachments = append(attachments, backend.Attachment{Path: path})
		}
		res, err := rt.Manager.SendMessage(ctx, id, strings.Join(args, " "), attachments)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "\n[%s]\n", res.StopReason)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runBackend, "backend", "b", "", "Backend id (default from config)")
	runCmd.Flags().StringVarP(&runWorkdir, "workdir", "C", "", "Working directory for the agent (default: current directory)")
	runCmd.Flags().StringVar(&runTeam, "team", "", "Team the reported missions belong to")
	runCmd.Flags().StringVar(&runAssistant, "assistant", "", "Assistant whose hooks apply")
	runCmd.Flags().StringVar(&runPreset, "preset", "", "Preset rules prepended to the first message")
	runCmd.Flags().StringSliceVar(&runSkills, "skill", nil, "Enabled skill (repeatable)")
	runCmd.Flags().StringSliceVarP(&runAttachments, "attach", "a", nil, "File to attach (repeatable)")
	runCmd.Flags().BoolVar(&runAuto, "auto", false, "Approve every permission request")
	runCmd.Flags().StringVar(&runResume, "resume", "", "Resume an existing ACP session id")
}

// terminal renders engine events on a console and asks for permissions on
// stdin
type terminal struct {
	out, errOut io.Writer
	in          *bufio.Reader
	respond     func(key, optionID string) bool

	mu sync.Mutex
}

func newTerminal(out, errOut io.Writer, in io.Reader) *terminal {
	return &terminal{out: out, errOut: errOut, in: bufio.NewReader(in)}
}

func (t *terminal) Emit(ev backend.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Type {
	case backend.EventContent:
		fmt.Fprint(t.out, ev.Data)
	case backend.EventThought:
		fmt.Fprintf(t.errOut, "\x1b[2m%v\x1b[0m", ev.Data)
	case backend.EventToolCall:
		if tc, ok := ev.Data.(*backend.ToolCall); ok {
			fmt.Fprintf(t.errOut, "\n[tool] %s (%s)\n", tc.Title, tc.Status)
		}
	case backend.EventAgentStatus:
		if s, ok := ev.Data.(backend.StatusData); ok {
			fmt.Fprintf(t.errOut, "[%s] %s\n", s.Backend, s.Status)
		}
	case backend.EventError:
		if e, ok := ev.Data.(*backend.ErrorData); ok {
			fmt.Fprintf(t.errOut, "\n[error] %s: %s\n", e.Kind, e.Message)
		}
	case backend.EventMissionsSynced:
		if d, ok := ev.Data.(mission.SyncedData); ok {
			fmt.Fprintf(t.errOut, "[missions] %d new in team %s\n", len(d.Created), d.TeamName)
		}
	case backend.EventMissionUpdated:
		if d, ok := ev.Data.(mission.UpdatedData); ok {
			fmt.Fprintf(t.errOut, "[missions] %s: %s -> %s\n", d.Mission.Subject, d.Transition.From, d.Transition.To)
		}
	case backend.EventPermission:
		if req, ok := ev.Data.(backend.PermissionRequest); ok {
			go t.ask(req)
		}
	}
}

// ask prompts for one of the request's options
func (t *terminal) ask(req backend.PermissionRequest) {
	t.mu.Lock()
	fmt.Fprintf(t.errOut, "\n[permission] %s (%s)\n", req.Title, req.Kind)
	for i, opt := range req.Options {
		fmt.Fprintf(t.errOut, "  %d) %s\n", i+1, opt.Name)
	}
	fmt.Fprint(t.errOut, "choose: ")
	t.mu.Unlock()
	line, err := t.in.ReadString('\n')

	optionID := ""
	if n, convErr := strconv.Atoi(strings.TrimSpace(line)); err == nil && convErr == nil && n >= 1 && n <= len(req.Options) {
		optionID = req.Options[n-1].OptionID
	}
	if t.respond != nil {
		t.respond(req.Key(), optionID)
	}
}
