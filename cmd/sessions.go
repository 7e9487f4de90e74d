package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/attache/internal/config"
	"github.com/nextlevelbuilder/attache/internal/sessions"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored conversation sessions",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsReadCmd())
	return cmd
}

func openSessionLog() *sessions.Log {
	loadEnv()
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log, err := sessions.NewLog(filepath.Join(cfg.DataDir, "sessions"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open session log: %v\n", err)
		os.Exit(1)
	}
	return log
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions with message counts and last activity",
		Run: func(cmd *cobra.Command, args []string) {
			log := openSessionLog()
			metas, err := log.List()
			if err != nil {
				fmt.Fprintf(os.Stderr, "list sessions: %v\n", err)
				os.Exit(1)
			}
			if len(metas) == 0 {
				fmt.Println("no sessions")
				return
			}
			for _, m := range metas {
				last := time.UnixMilli(m.LastActivity).Format("2006-01-02 15:04")
				fmt.Printf("%-40s %5d messages  last %s\n", m.Key, m.MessageCount, last)
			}
		},
	}
}

func sessionsReadCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "read <key>",
		Short: "Print a session transcript",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			log := openSessionLog()
			turns, err := log.Read(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "read session: %v\n", err)
				os.Exit(1)
			}
			if limit > 0 && len(turns) > limit {
				turns = turns[len(turns)-limit:]
			}
			for _, turn := range turns {
				ts := time.UnixMilli(turn.Timestamp).Format("15:04:05")
				fmt.Printf("[%s] %s: %s\n", ts, turn.Role, turn.Content)
			}
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show only the last N turns")
	return cmd
}
