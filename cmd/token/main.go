// Command token issues bearer tokens for the matchmaker API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"playmatch/matchmaker/internal/config"
	"playmatch/matchmaker/pkg/jwt"

	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:  "token",
		Usage: "issue a bearer token for the matchmaker API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Usage: "user id the token is issued to", Required: true},
			&cli.BoolFlag{Name: "admin", Usage: "grant the admin role"},
			&cli.DurationFlag{Name: "ttl", Usage: "token lifetime", Value: 24 * time.Hour},
			&cli.StringFlag{Name: "config", Usage: "directory holding the .env file", Value: "."},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return errors.New("JWT_SECRET must be set")
			}

			role := ""
			if cmd.Bool("admin") {
				role = jwt.RoleAdmin
			}
			token, err := jwt.GenerateToken([]byte(cfg.JWTSecret), cmd.String("user"), role, cmd.Duration("ttl"))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.Writer, token)
			return err
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
