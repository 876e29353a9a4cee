package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Martian-dev/assist-mailsync/internal/logging"
	"github.com/Martian-dev/assist-mailsync/internal/realtime"
	"github.com/Martian-dev/assist-mailsync/internal/realtime/client"
)

var watchOpts struct {
	server    string
	transport string
	mailboxes []string
	topics    []string
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Tail a server's realtime stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logging.New(viper.GetString("log.level"), viper.GetString("log.format"))
		filter := client.Subscription{MailboxIDs: watchOpts.mailboxes, Topics: watchOpts.topics}
		base := strings.TrimRight(watchOpts.server, "/")

		var tr client.Transport
		switch watchOpts.transport {
		case "sse":
			tr = &client.SSE{URL: base + "/api/realtime/stream", Filter: filter}
		case "ws", "websocket":
			wsURL := "ws" + strings.TrimPrefix(base, "http") + "/realtime"
			tr = &client.WebSocket{URL: wsURL, Origin: base, Filter: filter}
		default:
			return fmt.Errorf("unknown transport %q", watchOpts.transport)
		}

		feed := client.NewFeed(client.DefaultFeedCapacity)
		out := json.NewEncoder(cmd.OutOrStdout())
		printEvent := func(e realtime.Event) {
			if err := out.Encode(e); err != nil {
				log.WithError(err).Warn("failed to print event")
			}
		}

		c := client.New(tr, client.Options{
			Log: log,
			OnStateChange: func(s client.State) {
				log.WithField("state", s).Info("realtime state changed")
			},
		}, feed.Record, printEvent)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		c.Start()
		<-ctx.Done()
		c.Close()

		log.WithField("received", feed.Len()).Info("watch stopped")
		return nil
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchOpts.server, "server", "http://localhost:3000", "mailsync server base URL")
	watchCmd.Flags().StringVar(&watchOpts.transport, "transport", "sse", "sse or ws")
	watchCmd.Flags().StringSliceVar(&watchOpts.mailboxes, "mailbox", nil, "mailbox ids to follow (repeatable)")
	watchCmd.Flags().StringSliceVar(&watchOpts.topics, "topics", nil, "topics to follow, e.g. email.received")
	rootCmd.AddCommand(watchCmd)
}
