package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lovendo/momentcore/internal/middleware"
)

var tokenTTL time.Duration

var serviceTokenCmd = &cobra.Command{
	Use:   "service-token <service-id>",
	Short: "Mint a service token for an allowlisted caller",
	Long: `Print a signed service token for use in the X-Service-Token header, for
example by the AI scanner posting to /signals/suspicion.`,
	Args: cobra.ExactArgs(1),
	RunE: runServiceToken,
}

func init() {
	serviceTokenCmd.Flags().DurationVar(&tokenTTL, "ttl", middleware.DefaultServiceTokenExpiry, "Token lifetime")
}

func runServiceToken(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.ServiceTokenSecret == "" {
		return fmt.Errorf("SERVICE_TOKEN_SECRET is not set")
	}
	token, err := middleware.NewServiceTokenGenerator([]byte(cfg.Auth.ServiceTokenSecret), args[0], tokenTTL).GenerateToken()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
