package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tbourn/go-support-backend/internal/http/middleware"
)

func newTokenCmd(a *app) *cobra.Command {
	var (
		operatorID string
		name       string
		ttl        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign an operator token with JWT_SECRET",
		Example: `  supportd token --operator op-1 --name "Ada" --ttl 12h
  curl -H "Authorization: Bearer $(supportd token --operator op-1)" localhost:8080/api/v1/operator/sessions`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(operatorID) == "" {
				return errors.New("--operator is required")
			}
			if a.cfg.JWTSecret == "" {
				return errors.New("JWT_SECRET is not set")
			}
			tok, err := middleware.IssueOperatorToken([]byte(a.cfg.JWTSecret), operatorID, name, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&operatorID, "operator", "", "operator id (token subject)")
	cmd.Flags().StringVar(&name, "name", "", "display name shown to visitors")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}
