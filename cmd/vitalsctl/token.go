package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"liyu1981.xyz/vitals-alert-service/pkg/auth"
	"liyu1981.xyz/vitals-alert-service/pkg/common"
	"liyu1981.xyz/vitals-alert-service/pkg/models"
)

var (
	tokenSecret   string
	tokenUser     string
	tokenName     string
	tokenRole     string
	tokenPatients []string
	tokenTTL      time.Duration
)

func init() {
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", os.Getenv(common.EnvKeyVitalsJWTSecret), "signing secret (defaults to $"+common.EnvKeyVitalsJWTSecret+")")
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "display name")
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(models.RoleDoctor), "doctor, family or admin")
	tokenCmd.Flags().StringSliceVar(&tokenPatients, "patient", nil, "linked patient id, repeatable (family)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a signed token for development",
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenSecret == "" {
			return fmt.Errorf("a secret is required, pass --secret or set %s", common.EnvKeyVitalsJWTSecret)
		}
		role, err := models.ParseRole(tokenRole)
		if err != nil {
			return err
		}

		signed, err := auth.NewJWTAuthenticator(tokenSecret).IssueToken(models.Identity{
			UserID:     tokenUser,
			Name:       tokenName,
			Role:       role,
			PatientIDs: tokenPatients,
		}, tokenTTL)
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), signed)
		return nil
	},
}
