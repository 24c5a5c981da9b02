package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ZeroPathAI/openerrata/internal/service"
)

var tokenFlags struct {
	clientID string
	ttl      time.Duration
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API bearer token for a client",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.ValidateServer(); err != nil {
			return err
		}
		token, err := service.NewTokenService(cfg.JWTSecret, nil).Issue(tokenFlags.clientID, tokenFlags.ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	f := tokenCmd.Flags()
	f.StringVar(&tokenFlags.clientID, "client-id", "", "Client the token is issued to (required)")
	f.DurationVar(&tokenFlags.ttl, "ttl", 90*24*time.Hour, "Token lifetime")

	_ = tokenCmd.MarkFlagRequired("client-id")
}
