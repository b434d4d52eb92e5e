package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/walle-ai/walle/internal/api"
)

func init() {
	pairCmd.Flags().Bool("force", false, "replace an existing pairing on the server")
	rootCmd.AddCommand(pairCmd)
}

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Pair this client with the Eve server and save the token",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp()
		if err != nil {
			return err
		}
		defer app.Close()
		ctx := cmd.Context()

		httpClient := &http.Client{Timeout: 10 * time.Second}

		// A still-valid saved token means there is nothing to do.
		if app.settings.Token != "" {
			valid, err := api.VerifyToken(ctx, httpClient, app.cfg.ServerURL, app.settings.Token)
			if err != nil {
				return fmt.Errorf("verify existing token: %w", err)
			}
			if valid {
				fmt.Println("already paired, token is valid")
				return nil
			}
		}

		oldToken := ""
		if force, _ := cmd.Flags().GetBool("force"); force {
			oldToken = app.settings.Token
		}

		result, err := api.Pair(ctx, httpClient, app.cfg.ServerURL, oldToken)
		if err != nil {
			return fmt.Errorf("pairing failed: %w", err)
		}
		if result.Conflict {
			return fmt.Errorf("server is already paired with another client, re-run with --force")
		}

		app.settings.Token = result.Token
		if err := app.saveSettings(); err != nil {
			return err
		}
		fmt.Println("paired successfully, token saved")
		return nil
	},
}
