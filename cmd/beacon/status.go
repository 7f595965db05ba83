package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/beacon/internal/client"
	"github.com/alfredjeanlab/beacon/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show server uptime, subscriber count and store health",
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if check, _ := cmd.Flags().GetBool("check"); check {
			health, err := beaconClient.Health(context.Background())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), health)
			return nil
		}

		st, err := beaconClient.Status(context.Background())
		if err != nil {
			return err
		}
		if jsonOutput {
			data, err := json.MarshalIndent(st, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}
		printStatus(cmd, st)
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("check", false, "only check /health and exit non-zero if the server is down")
}

func printStatus(cmd *cobra.Command, st *client.Status) {
	w := cmd.OutOrStdout()
	uptime := (time.Duration(st.Uptime * float64(time.Second))).Round(time.Second)
	fmt.Fprintln(w, "Beacon Status")
	fmt.Fprintf(w, "  Status:        %s\n", ui.RenderAccent(st.Status))
	fmt.Fprintf(w, "  Uptime:        %s\n", uptime)
	fmt.Fprintf(w, "  Subscribers:   %d\n", st.ActiveAdmins)
	if st.StoreErrors > 0 {
		fmt.Fprintf(w, "  Store errors:  %s\n", ui.RenderWarn(fmt.Sprintf("%d", st.StoreErrors)))
		if st.LastStoreErrorKind != "" {
			fmt.Fprintf(w, "  Last failure:  %s (see server log)\n", ui.RenderWarn(st.LastStoreErrorKind))
		}
	} else {
		fmt.Fprintf(w, "  Store errors:  0\n")
	}
}
