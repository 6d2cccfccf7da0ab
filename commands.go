package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/kir-gadjello/navassist/capture"
	"github.com/kir-gadjello/navassist/dialogue"
	"github.com/kir-gadjello/navassist/gateway"
	"github.com/kir-gadjello/navassist/intent"
	"github.com/kir-gadjello/navassist/speech"
	"github.com/kir-gadjello/navassist/store"
)

var (
	labelStyle = color.New(color.FgCyan, color.Bold).SprintFunc()
	warnStyle  = color.New(color.FgYellow).SprintFunc()
	dimStyle   = color.New(color.Faint).SprintFunc()
)

// withApp opens the app for a one-shot command and closes it afterwards.
func withApp(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.close()
		return fn(cmd, a, args)
	}
}

func printField(name string, value any) {
	fmt.Printf("%s %v\n", labelStyle(name+":"), value)
}

func confidenceText(c *float64) string {
	if c == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.1f%%", *c*100)
}

func addCommands(root *cobra.Command) {
	locateCmd := &cobra.Command{
		Use:   "locate PATH",
		Short: "Send one photo to the localizer",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			photo, err := capture.PhotoFromFile(args[0])
			if err != nil {
				return err
			}
			photo, err = photo.Prepare(a.cfg.PhotoMaxSide, a.cfg.PhotoQuality)
			if err != nil {
				return err
			}
			ctx, cancel := a.context()
			defer cancel()
			resp, err := a.client.Locate(ctx, a.identity(), photo.Name, photo.Data)
			if err != nil {
				return err
			}
			printField("caption", resp.Caption)
			printField("node", resp.NodeID)
			printField("confidence", confidenceText(resp.Confidence))
			if resp.Margin != nil {
				printField("margin", fmt.Sprintf("%.3f", *resp.Margin))
			}
			if resp.LowConf {
				fmt.Println(warnStyle("low confidence"))
			}
			for i, c := range resp.Candidates {
				if i == 3 {
					break
				}
				fmt.Printf("  %d. %s %s\n", i+1, c.ID, dimStyle(fmt.Sprintf("(%.3f)", c.Score)))
			}
			a.narrator.Speak(context.Background(), resp.Caption, speech.Options{Delay: a.cfg.Timing.LocationReply})
			return nil
		}),
	}
	root.AddCommand(locateCmd)

	askCmd := &cobra.Command{
		Use:   "ask TEXT",
		Short: "Ask a question the way the chat view would route it",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			reply, err := askOnce(a, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		}),
	}
	root.AddCommand(askCmd)

	transcribeCmd := &cobra.Command{
		Use:   "transcribe FILE",
		Short: "Transcribe an audio file",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := a.context()
			defer cancel()
			text, err := a.client.Transcribe(ctx, filepath.Base(args[0]), data)
			if err != nil {
				return err
			}
			fmt.Println(text)
			return nil
		}),
	}
	root.AddCommand(transcribeCmd)

	recordCmd := &cobra.Command{
		Use:   "record",
		Short: "Record a question from the microphone (Enter stops)",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			audio, err := recordOnce(a)
			if err != nil {
				return err
			}
			ctx, cancel := a.context()
			defer cancel()
			text, err := a.client.Transcribe(ctx, audio.Filename(), audio.Data)
			if err != nil {
				return err
			}
			printField("you", text)
			if ask, _ := cmd.Flags().GetBool("ask"); ask && strings.TrimSpace(text) != "" {
				reply, err := askOnce(a, text)
				if err != nil {
					return err
				}
				printField("assistant", reply)
			}
			return nil
		}),
	}
	recordCmd.Flags().Bool("ask", false, "Route the transcript as a question")
	root.AddCommand(recordCmd)

	locationCmd := &cobra.Command{
		Use:   "location",
		Short: "Show the backend's location estimate for the session",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ctx, cancel := a.context()
			defer cancel()
			loc, err := a.client.SessionLocation(ctx, a.cfg.SessionID)
			if err != nil {
				return err
			}
			conf := loc.LatestConfidence()
			printField("current", loc.CurrentLocation)
			printField("confidence", confidenceText(&conf))
			printField("photos", loc.PhotoCount)
			printField("history", strings.Join(loc.History(), " → "))
			return nil
		}),
	}
	root.AddCommand(locationCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show session status",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ctx, cancel := a.context()
			defer cancel()
			st, err := a.client.SessionStatus(ctx, a.cfg.SessionID)
			if err != nil {
				return err
			}
			printField("session", st.SessionID)
			printField("site", st.SiteID)
			printField("provider", st.Provider)
			printField("current", st.CurrentLocation)
			printField("photos", st.PhotoCount)
			printField("last update", st.LastUpdate)
			printField("trend", st.ConfidenceTrend)
			printField("stability", st.LocationStability)
			printField("orientation consistent", st.OrientationConsistency)
			return nil
		}),
	}
	root.AddCommand(statusCmd)

	verifyCmd := &cobra.Command{
		Use:   "verify [DEST]",
		Short: "Verify the current location, optionally against a destination",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ctx, cancel := a.context()
			defer cancel()
			if err := requireNavigation(ctx, a); err != nil {
				return err
			}
			dest := ""
			if len(args) == 1 {
				dest = args[0]
			}
			v, err := a.client.VerifyLocation(ctx, a.cfg.SessionID, dest)
			if err != nil {
				return err
			}
			printField("current", v.CurrentLocation)
			printField("verified", v.LocationVerified)
			if v.LocationConsistency != "" {
				printField("consistency", v.LocationConsistency)
			}
			if v.Message != "" {
				fmt.Println(v.Message)
			}
			if v.Suggestion != "" {
				fmt.Println(dimStyle(v.Suggestion))
			}
			return nil
		}),
	}
	root.AddCommand(verifyCmd)

	navigateCmd := &cobra.Command{
		Use:   "navigate DEST",
		Short: "Get walking instructions to a destination",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ctx, cancel := a.context()
			defer cancel()
			if err := requireNavigation(ctx, a); err != nil {
				return err
			}
			n, err := a.client.NavigationInstructions(ctx, a.cfg.SessionID, args[0])
			if err != nil {
				return err
			}
			if n.Error != "" {
				return fmt.Errorf("%s", n.Error)
			}
			printField("from", n.From)
			printField("to", n.To)
			text := n.Instructions
			if text == "" {
				text = n.Message
			}
			fmt.Println(text)
			a.narrator.Speak(context.Background(), text, speech.Options{Delay: a.cfg.Timing.LocationReply})
			return nil
		}),
	}
	root.AddCommand(navigateCmd)

	loggingCmd := &cobra.Command{
		Use:   "logging",
		Short: "Backend experiment logging",
	}
	loggingCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show whether logging is on",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ctx, cancel := a.context()
			defer cancel()
			resp, err := a.client.LoggingStatus(ctx, a.cfg.SessionID, a.cfg.Provider)
			if err != nil {
				return err
			}
			printField("enabled", resp.State.Enabled)
			printField("run", resp.State.RunID)
			return nil
		}),
	})
	loggingCmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Turn logging on under a fresh run id",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ctx, cancel := a.context()
			defer cancel()
			runID := dialogue.RunID(a.cfg.Provider, a.cfg.SiteID, time.Now())
			resp, err := a.client.SetLogging(ctx, gateway.LoggingRequest{
				SessionID: a.cfg.SessionID,
				Provider:  a.cfg.Provider,
				Enabled:   true,
				RunID:     runID,
			})
			if err != nil {
				return err
			}
			printField("run", runID)
			printField("ok", resp.OK)
			return nil
		}),
	})
	loggingCmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Turn logging off and flush the CSV output",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ctx, cancel := a.context()
			defer cancel()
			status, err := a.client.LoggingStatus(ctx, a.cfg.SessionID, a.cfg.Provider)
			if err != nil {
				return err
			}
			if !status.State.Enabled {
				fmt.Println("Logging is already off.")
				return nil
			}
			resp, err := a.client.SetLogging(ctx, gateway.LoggingRequest{
				SessionID: a.cfg.SessionID,
				Provider:  a.cfg.Provider,
				Enabled:   false,
				RunID:     status.State.RunID,
			})
			if err != nil || !resp.OK {
				return errors.New("Failed to stop logging.")
			}
			fmt.Println("Logging stopped. Data has been written to CSV files.")
			return nil
		}),
	})
	root.AddCommand(loggingCmd)

	sayCmd := &cobra.Command{
		Use:   "say TEXT",
		Short: "Speak text through the configured synthesizer",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			if !a.synth.Available() {
				return fmt.Errorf("speech synthesizer not found")
			}
			a.narrator.Speak(context.Background(), strings.Join(args, " "), speech.Options{})
			return nil
		}),
	}
	root.AddCommand(sayCmd)

	searchCmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Search archived conversations",
		Long:  "Search archived messages. Use 'you:term' or 'ai:term' to filter by speaker.",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			if a.store == nil {
				return fmt.Errorf("history is not available")
			}
			results, err := a.store.Search(args[0])
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Println("No matches found.")
				return nil
			}
			for _, r := range results {
				fmt.Printf("%s [%s %s] (%s): %s\n",
					labelStyle(r.Timestamp.Format("2006-01-02 15:04")), shortID(r.RunID), r.SessionID, r.Role, r.Preview)
			}
			return nil
		}),
	}
	root.AddCommand(searchCmd)

	sessionsCmd := &cobra.Command{
		Use:   "sessions [RUN]",
		Short: "Browse archived conversations",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			if a.store == nil {
				return fmt.Errorf("history is not available")
			}
			if len(args) == 1 {
				runID, err := a.store.ResolveRun(args[0])
				if err != nil {
					return err
				}
				return printRun(a.store, runID)
			}
			runs, err := a.store.ListRecentRuns(50)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No archived sessions.")
				return nil
			}
			if !is_interactive(os.Stdout.Fd()) {
				for _, r := range runs {
					fmt.Printf("%s %s %s %s/%s %s\n", shortID(r.RunID), r.Timestamp.Format("2006-01-02 15:04"), r.SessionID, r.SiteID, r.Provider, r.Summary)
				}
				return nil
			}
			final, err := tea.NewProgram(newSessionsModel(runs), tea.WithAltScreen()).Run()
			if err != nil {
				return err
			}
			if m, ok := final.(sessionsModel); ok && m.selected != nil {
				return printRun(a.store, m.selected.RunID)
			}
			return nil
		}),
	}
	root.AddCommand(sessionsCmd)

	root.AddCommand(&cobra.Command{
		Use:   "doctor",
		Short: "Check system capabilities and dependencies",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			runDoctor(a)
			return nil
		}),
	})
}

// askOnce routes text as the chat view would, using the backend's current
// location estimate and the persisted inquiry counter.
func askOnce(a *app, text string) (string, error) {
	ctx, cancel := a.context()
	defer cancel()

	var loc intent.Location
	if l, err := a.client.SessionLocation(ctx, a.cfg.SessionID); err == nil {
		loc = intent.Location{Current: l.CurrentLocation, Confidence: l.LatestConfidence()}
	} else {
		a.logger.Debug("no location estimate")
	}

	count := 0
	if a.store != nil {
		count, _ = a.store.InquiryCount(a.cfg.SessionID)
	}

	reply := intent.Route(intent.Input{
		Text:         text,
		Location:     loc,
		SiteID:       a.cfg.SiteID,
		FirstInquiry: count == 0,
	})
	if reply.CountsInquiry() && a.store != nil {
		a.store.SetInquiryCount(a.cfg.SessionID, count+1)
	}

	out, delay := reply.Text, a.cfg.Timing.LocationReply
	if reply.AskBackend {
		resp, err := a.client.Ask(ctx, a.identity(), text)
		if err != nil {
			return "", err
		}
		out, delay = resp.Reply(), a.cfg.Timing.QAReply
	}
	a.narrator.Speak(context.Background(), out, speech.Options{Delay: delay})
	return out, nil
}

// recordOnce records until Enter is pressed or the ceiling is reached.
func recordOnce(a *app) (capture.Audio, error) {
	rec, err := a.recorder().Start(context.Background())
	if err != nil {
		return capture.Audio{}, err
	}

	fmt.Fprintln(os.Stderr, "Recording... press Enter to stop.")
	go func() {
		bufio.NewReader(os.Stdin).ReadString('\n')
		rec.Stop()
	}()

	for sec := range rec.Ticks {
		fmt.Fprintf(os.Stderr, "\r%s %ds", warnStyle("●"), sec)
	}
	fmt.Fprintln(os.Stderr)

	res, ok := <-rec.Done
	if !ok {
		return capture.Audio{}, capture.ErrMicrophoneUnavailable
	}
	return res.Audio, res.Err
}

// requireNavigation applies the confidence gate before verify/navigate.
func requireNavigation(ctx context.Context, a *app) error {
	loc, err := a.client.SessionLocation(ctx, a.cfg.SessionID)
	if err != nil {
		return err
	}
	conf := loc.LatestConfidence()
	if loc.CurrentLocation == "" || conf <= dialogue.NavigationThreshold {
		if conf > 0 {
			return errors.New(intent.LowConfidenceGate(conf))
		}
		return errors.New(intent.TakePhotosFirst)
	}
	return nil
}

func printRun(st *store.Manager, runID string) error {
	msgs, err := st.RunMessages(runID)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return store.ErrNotFound
	}
	conv := make([]dialogue.Message, len(msgs))
	for i, m := range msgs {
		conv[i] = dialogue.Message{Role: dialogue.Role(m.Role), Text: m.Text}
	}

	render := is_interactive(os.Stdout.Fd())
	width := 80
	if render {
		if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
			width = w
		}
	}
	fmt.Print(formatMessageLog(conv, render, width, 0, ""))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
