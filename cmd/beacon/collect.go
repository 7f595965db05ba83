package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var collectCmd = &cobra.Command{
	Use:   "collect [--field key=value]... [--data json]",
	Short: "Submit one location payload",
	Long: `Submit one location payload to POST /collect.

Fields given with --field are merged over the object given with --data.
Values that parse as JSON (numbers, booleans, null, objects, arrays) are
sent as such; anything else is sent as a string.`,
	GroupID: "feed",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, _ := cmd.Flags().GetString("data")
		fields, _ := cmd.Flags().GetStringArray("field")

		payload, err := buildPayload(data, fields)
		if err != nil {
			return err
		}
		resp, err := beaconClient.Collect(context.Background(), payload)
		if err != nil {
			return err
		}
		if jsonOutput {
			out, err := json.MarshalIndent(resp, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (delivered to %d subscriber(s))\n", resp.Message, resp.Delivered)
		return nil
	},
}

func init() {
	collectCmd.Flags().String("data", "", "base payload as a JSON object")
	collectCmd.Flags().StringArrayP("field", "f", nil, "payload field as key=value (repeatable)")
}

// buildPayload merges key=value fields over the optional JSON object.
func buildPayload(data string, fields []string) (map[string]any, error) {
	payload := map[string]any{}
	if strings.TrimSpace(data) != "" {
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			return nil, fmt.Errorf("--data must be a JSON object: %w", err)
		}
		if payload == nil {
			return nil, fmt.Errorf("--data must be a JSON object")
		}
	}
	for _, f := range fields {
		key, raw, ok := strings.Cut(f, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid field %q (want key=value)", f)
		}
		payload[key] = parseFieldValue(raw)
	}
	return payload, nil
}

func parseFieldValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}
