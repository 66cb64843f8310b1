package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"postcast/internal/app"
	"postcast/internal/config"
	"postcast/internal/control"
	logx "postcast/pkg/logx"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func scanCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run one scan pass and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context(), config.NewConfigManager(f.config))
			if err != nil {
				return err
			}
			defer a.Close()
			if a.Scanner() == nil {
				return fmt.Errorf("publisher is disabled in %s", f.config)
			}
			rep, err := a.Scanner().RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(rep)
		},
	}
}

func publishCmd(f *rootFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "publish <post-id>",
		Short: "Send one post now, ignoring its publish time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(strings.TrimPrefix(args[0], "#"), 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid post id %q", args[0])
			}
			a, err := app.New(cmd.Context(), config.NewConfigManager(f.config))
			if err != nil {
				return err
			}
			defer a.Close()

			actor := "cli"
			if u := os.Getenv("USER"); u != "" {
				actor = "cli:" + u
			}
			ctx := control.WithActor(cmd.Context(), control.Actor{Name: actor, Source: "cli"})
			ack, err := a.Control().PublishNow(ctx, id, control.PublishOptions{Force: force})
			if perr := printJSON(ack); perr != nil && err == nil {
				err = perr
			}
			return err
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "resend even if the post was already sent")
	return cmd
}

func migrateCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logx.NewConsole("INFO")
			applied, err := app.Migrate(cmd.Context(), config.NewConfigManager(f.config), log)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				log.Info("schema up to date")
				return nil
			}
			log.Info("migrations applied", logx.Any("versions", applied))
			return nil
		},
	}
}
