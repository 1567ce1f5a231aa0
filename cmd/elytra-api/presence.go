package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/elytra/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/config"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/presence"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newPresenceCommand() *cobra.Command {
	var documentID string
	cmd := &cobra.Command{
		Use:   "presence",
		Short: "List the users active on a document",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(documentID) == "" {
				return errors.New("document is required")
			}
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, closeDB, err := openDatabase(appConfig, logger)
			if err != nil {
				return err
			}
			defer closeDB()

			store, err := presence.NewSQLStore(db)
			if err != nil {
				return err
			}
			records, err := store.List(cmd.Context(), strings.TrimSpace(documentID))
			if err != nil {
				return err
			}
			now := time.Now()
			active := presence.FilterActive(records, now, appConfig.Presence.StalenessThreshold)
			cmd.Printf("%s\n", renderPresence(active, now))
			return nil
		},
	}
	cmd.Flags().StringVar(&documentID, "document", "", "Document identifier")
	return cmd
}

func renderPresence(records []presence.LivenessRecord, now time.Time) string {
	tw := table.NewWriter()
	tw.Style().Options.DrawBorder = false
	tw.Style().Options.SeparateColumns = false
	tw.Style().Options.SeparateFooter = false
	tw.Style().Options.SeparateHeader = false
	tw.Style().Options.SeparateRows = false
	tw.AppendHeader(table.Row{
		"USER",
		"NAME",
		"LAST ACTIVE",
		"CURSOR",
		"COLOR",
	})
	for _, record := range records {
		tw.AppendRow(table.Row{
			record.UserID,
			record.DisplayName,
			now.Sub(record.LastActiveAt()).Round(time.Second).String() + " ago",
			formatCursor(record.Cursor),
			collab.CursorColor(record.UserID).String(),
		})
	}
	return tw.Render()
}

func formatCursor(cursor *presence.CursorState) string {
	if cursor == nil {
		return "-"
	}
	if cursor.Selection != nil {
		return fmt.Sprintf("%.0f,%.0f [%d:%d]", cursor.X, cursor.Y, cursor.Selection.Start, cursor.Selection.End)
	}
	return fmt.Sprintf("%.0f,%.0f", cursor.X, cursor.Y)
}
