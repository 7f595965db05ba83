package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/beacon/internal/client"
	"github.com/alfredjeanlab/beacon/internal/events"
	"github.com/alfredjeanlab/beacon/internal/model"
	"github.com/alfredjeanlab/beacon/internal/ui"
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print live location updates as they are broadcast",
	Long: `Subscribe to the live feed and print each location update.

By default tail connects to the server's WebSocket feed. With --nats it
reads the event mirror on the message bus instead, which needs no
connection to the server itself.`,
	GroupID: "feed",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		natsURL, _ := cmd.Flags().GetString("nats")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		out := cmd.OutOrStdout()
		if natsURL != "" {
			return tailNATS(ctx, natsURL, out)
		}

		wsURL, err := client.FeedURL(serverURL)
		if err != nil {
			return err
		}
		return client.Tail(ctx, wsURL, func(m model.Message) error {
			return printMessage(out, m)
		})
	},
}

func init() {
	tailCmd.Flags().String("nats", os.Getenv("BEACON_NATS_URL"), "read the NATS event mirror at this URL instead of the WebSocket feed")
}

// tailNATS prints events mirrored on the bus until ctx is done.
func tailNATS(ctx context.Context, natsURL string, out io.Writer) error {
	sub, err := events.NewNATSSubscriber(natsURL,
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats: disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("nats: reconnected")
		}),
	)
	if err != nil {
		return err
	}
	defer sub.Close()

	ch, cancel, err := sub.Subscribe(events.TopicLocationUpdate)
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			var e model.Event
			if err := json.Unmarshal(data, &e); err != nil {
				slog.Warn("skipping undecodable event", "err", err)
				continue
			}
			if err := printMessage(out, model.NewLocationUpdate(&e)); err != nil {
				return err
			}
		}
	}
}

func printMessage(w io.Writer, m model.Message) error {
	if jsonOutput {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
	_, err := fmt.Fprintln(w, formatMessage(m))
	return err
}

// formatMessage renders one feed message as a single line.
func formatMessage(m model.Message) string {
	switch m.Type {
	case model.MessageConnectionAck:
		return ui.RenderMuted(fmt.Sprintf("connected as %s: %s", m.ID, m.Message))
	case model.MessageLocationUpdate:
		if m.Data == nil {
			return ui.RenderWarn("location_update without data")
		}
		return formatEvent(m.Data)
	default:
		return ui.RenderWarn("unknown message type " + m.Type)
	}
}

func formatEvent(e *model.Event) string {
	var b strings.Builder
	b.WriteString(ui.RenderMuted(e.Timestamp.Format(model.TimestampLayout)))
	b.WriteString(" ")
	b.WriteString(ui.RenderAccent(e.TargetID))

	keys := make([]string, 0, len(e.Payload))
	for k := range e.Payload {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		v, err := json.Marshal(e.Payload[k])
		if err != nil {
			v = []byte(fmt.Sprint(e.Payload[k]))
		}
		b.WriteString(" ")
		b.WriteString(ui.RenderKey(k))
		b.WriteString("=")
		b.Write(v)
	}

	if e.IP != "" {
		b.WriteString(" ")
		b.WriteString(ui.RenderMuted("from " + e.IP))
	}
	return b.String()
}
