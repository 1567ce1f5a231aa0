package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/MarcoPoloResearchLab/elytra/backend/internal/apiclient"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/blocks"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/config"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/presence"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// terminalBounds is the virtual editor rectangle used by /cursor commands.
var terminalBounds = collab.Bounds{Width: 1000, Height: 1000}

func newSessionCommand() *cobra.Command {
	var (
		documentID  string
		userID      string
		displayName string
	)
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Open a document and edit it from the terminal",
		Long: "Open a document through the API. Each stdin line is appended as a paragraph; " +
			"\"/cursor X Y\" moves the cursor inside a 1000x1000 editor.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(documentID) == "" {
				return errors.New("document is required")
			}
			settings, err := config.LoadClient(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(settings.LogLevel, settings.LogFormat)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runSession(ctx, cmd.OutOrStdout(), os.Stdin, settings, collab.Profile{
				UserID:      strings.TrimSpace(userID),
				DisplayName: strings.TrimSpace(displayName),
			}, strings.TrimSpace(documentID), logger)
		},
	}
	cmd.Flags().StringVar(&documentID, "document", "", "Document identifier")
	cmd.Flags().StringVar(&userID, "user", "", "User id the session token was issued for; empty disables presence")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name shown to collaborators")
	return cmd
}

func runSession(ctx context.Context, out io.Writer, in io.Reader, settings config.ClientSettings, profile collab.Profile, documentID string, logger *zap.Logger) error {
	client, err := apiclient.New(apiclient.Config{
		BaseURL: settings.Client.BaseURL,
		Token:   settings.Client.Token,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	editor, err := blocks.NewEditor("")
	if err != nil {
		return err
	}

	session, err := collab.Open(ctx, collab.Config{
		DocumentID: documentID,
		Profile:    profile,
		Store:      client,
		Transport:  apiclient.NewTransport(client),
		Editor:     editor,
		Notifier: collab.NotifierFunc(func(message string) {
			fmt.Fprintf(out, "! %s\n", message)
		}),
		Timing: collab.Timing{
			HeartbeatInterval:   settings.Presence.HeartbeatInterval,
			StalenessThreshold:  settings.Presence.StalenessThreshold,
			CursorFlushInterval: settings.Presence.CursorFlushInterval,
			PollInterval:        settings.Presence.PollInterval,
			DebounceInterval:    settings.Sync.DebounceInterval,
			EchoCooldown:        settings.Sync.EchoCooldown,
			RemoteSettleDelay:   settings.Sync.RemoteSettleDelay,
		},
		Logger: logger,
		Hooks: collab.Hooks{
			OnContent: func(snapshot documents.Snapshot) {
				printContent(out, snapshot)
			},
			OnPresence: func(users []presence.LivenessRecord) {
				fmt.Fprintf(out, "# %s\n", presenceLine(users))
			},
			OnSaving: func(saving bool) {
				if saving {
					fmt.Fprintln(out, "# Saving...")
				}
			},
		},
	})
	if err != nil {
		return err
	}
	editor.OnChange(session.NotifyChange)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

readLoop:
	for {
		select {
		case <-ctx.Done():
			break readLoop
		case line, ok := <-lines:
			if !ok {
				break readLoop
			}
			handleLine(out, session, editor, line)
		}
	}

	return session.Close(context.WithoutCancel(ctx))
}

func handleLine(out io.Writer, session *collab.Session, editor *blocks.Editor, line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	if strings.HasPrefix(trimmed, "/cursor") {
		point, ok := parsePoint(strings.Fields(trimmed)[1:])
		if !ok {
			fmt.Fprintln(out, "! usage: /cursor X Y")
			return
		}
		session.MoveCursor(point, terminalBounds, nil)
		return
	}
	editor.Append(blocks.NewParagraph(trimmed))
}

func parsePoint(fields []string) (collab.Point, bool) {
	if len(fields) != 2 {
		return collab.Point{}, false
	}
	x, errX := strconv.ParseFloat(fields[0], 64)
	y, errY := strconv.ParseFloat(fields[1], 64)
	if errX != nil || errY != nil {
		return collab.Point{}, false
	}
	return collab.Point{X: x, Y: y}, true
}

func printContent(out io.Writer, snapshot documents.Snapshot) {
	fmt.Fprintf(out, "--- %s (v%d)\n", snapshot.Title, snapshot.Version)
	if snapshot.Content == nil {
		return
	}
	parsed, err := blocks.Parse(*snapshot.Content)
	if err != nil {
		return
	}
	for _, block := range parsed {
		fmt.Fprintln(out, block.PlainText())
	}
}

func presenceLine(users []presence.LivenessRecord) string {
	summary := collab.Summarize(users, false)
	if summary.Count == 0 {
		return "no one else here"
	}
	names := make([]string, 0, len(summary.Avatars))
	for _, avatar := range summary.Avatars {
		names = append(names, avatar.DisplayName)
	}
	line := summary.Label() + ": " + strings.Join(names, ", ")
	if summary.Overflow > 0 {
		line += fmt.Sprintf(" +%d", summary.Overflow)
	}
	return line
}
