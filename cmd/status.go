package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/attache/internal/config"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Query the running gateway's status",
		Run: func(cmd *cobra.Command, args []string) {
			setupLogging()
			loadEnv()

			cfg, err := config.FromEnv()
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
				os.Exit(1)
			}

			url := fmt.Sprintf("http://%s:%d/api/status", cfg.Gateway.Host, cfg.Gateway.Port)
			client := &http.Client{Timeout: 5 * time.Second}
			res, err := client.Get(url)
			if err != nil {
				fmt.Fprintf(os.Stderr, "gateway not reachable at %s: %v\n", url, err)
				os.Exit(1)
			}
			defer res.Body.Close()

			var status map[string]any
			if err := json.NewDecoder(res.Body).Decode(&status); err != nil {
				fmt.Fprintf(os.Stderr, "bad status response: %v\n", err)
				os.Exit(1)
			}

			out, _ := json.MarshalIndent(status, "", "  ")
			fmt.Println(string(out))
		},
	}
}
