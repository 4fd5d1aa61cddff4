package main

import (
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/chatsync/internal/database"
	"github.com/MarcoPoloResearchLab/chatsync/internal/reconcile"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newClientGroupsCommand() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "client-groups",
		Short: "List the client groups registered for a user",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(userID) == "" {
				return errors.New("--user is required")
			}
			path := viper.GetString("database.path")
			if strings.TrimSpace(path) == "" {
				return errors.New("database.path is required")
			}

			db, err := database.OpenSQLite(path, zap.NewNop())
			if err != nil {
				return err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			summaries, err := reconcile.ListClientGroups(cmd.Context(), db, userID)
			if err != nil {
				return err
			}
			cmd.Printf("%s\n", renderClientGroups(summaries))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User identifier owning the client groups")
	return cmd
}

func renderClientGroups(summaries []reconcile.ClientGroupSummary) string {
	tw := table.NewWriter()
	tw.Style().Options.DrawBorder = false
	tw.Style().Options.SeparateColumns = false
	tw.Style().Options.SeparateFooter = false
	tw.Style().Options.SeparateHeader = false
	tw.Style().Options.SeparateRows = false
	tw.AppendHeader(table.Row{
		"ID",
		"CVR VERSION",
		"CLIENTS",
		"LAST MUTATION ID",
		"CREATED AT",
	})
	for _, summary := range summaries {
		tw.AppendRow(table.Row{
			summary.Group.ID,
			summary.Group.CVRVersion,
			len(summary.Clients),
			summary.MaxLastMutationID(),
			summary.Group.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return tw.Render()
}
