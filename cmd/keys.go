package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/markb/sbrealtime/internal/realtime"
)

const defaultJWTSecret = "super-secret-jwt-key-please-change-in-production"

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys",
	Long:  `Commands for managing API keys for sbrealtime.`,
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate anon and service_role API keys",
	Long:  `Generates both anon and service_role API keys using the configured JWT secret.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		anonKey, serviceKey, err := generateKeys(jwtSecret(cmd))
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "SBREALTIME_ANON_KEY=%s\n", anonKey)
		fmt.Fprintf(out, "SBREALTIME_SERVICE_KEY=%s\n", serviceKey)
		return nil
	},
}

// jwtSecret reads SBREALTIME_JWT_SECRET, falling back to the development
// secret with a warning.
func jwtSecret(cmd *cobra.Command) string {
	secret := os.Getenv("SBREALTIME_JWT_SECRET")
	if secret == "" {
		secret = defaultJWTSecret
		fmt.Fprintln(cmd.ErrOrStderr(), "Warning: Using default JWT secret. Set SBREALTIME_JWT_SECRET in production.")
	}
	return secret
}

func generateKeys(secret string) (anonKey, serviceKey string, err error) {
	anonKey, err = generateAPIKey(secret, realtime.RoleAnon)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate anon key: %w", err)
	}
	serviceKey, err = generateAPIKey(secret, realtime.RoleService)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate service key: %w", err)
	}
	return anonKey, serviceKey, nil
}

func generateAPIKey(jwtSecret, role string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"role": role,
		"iss":  "sbrealtime",
		"iat":  now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(jwtSecret))
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysGenerateCmd)
}
