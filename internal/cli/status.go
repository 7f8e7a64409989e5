package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mcplens/mcplens/internal/proxy"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running proxy's health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 3 * time.Second}
			resp, err := client.Get(server + "/health")
			if err != nil {
				return fmt.Errorf("proxy unreachable: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("health check returned status %d", resp.StatusCode)
			}

			var st proxy.Status
			if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
				return fmt.Errorf("parsing health response: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "status: %s\n", st.Status)
			fmt.Fprintf(out, "active sessions: %d\n", st.ActiveSessions)
			fmt.Fprintf(out, "ws clients: %d\n", st.WSClients)
			fmt.Fprintf(out, "events processed: %d\n", st.Metrics.EventsProcessed)
			fmt.Fprintf(out, "alerts triggered: %d\n", st.Metrics.AlertsTriggered)
			for _, up := range st.Upstreams {
				state := "disconnected"
				if up.Connected {
					state = "connected"
				}
				fmt.Fprintf(out, "upstream %s: %s (%d pending)\n", up.Name, state, up.Pending)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", getenvDefault("MCPLENS_SERVER", "http://127.0.0.1:3100"), "proxy base URL")
	return cmd
}
