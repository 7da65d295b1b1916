package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/anhtranbk/sockrpc"
)

// watchCmd prints broadcasts. With --relay they are also published to the
// configured redis channel; with --from-relay they are read back from it
// instead of from the socket.
func watchCmd(flags *globalFlags) *cobra.Command {
	var relay, fromRelay bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print server broadcasts until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if relay && fromRelay {
				return fmt.Errorf("--relay and --from-relay are mutually exclusive")
			}
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if fromRelay {
				sub, err := sockrpc.NewRedisPubSubFromConnStr(cfg.Relay.RedisAddr)
				if err != nil {
					return err
				}
				defer sub.Close()
				if err := sub.Subscribe(cfg.Relay.Channel); err != nil {
					return fmt.Errorf("subscribe %s: %w", cfg.Relay.Channel, err)
				}
				return tailRelay(cmd.Context(), sub, cmd.OutOrStdout())
			}

			var opts []sockrpc.Option
			if relay {
				pub, err := sockrpc.NewRedisPubSubFromConnStr(cfg.Relay.RedisAddr)
				if err != nil {
					return err
				}
				defer pub.Close()
				opts = append(opts, sockrpc.WithPublisher(pub))
			}

			client, err := dialClient(cmd.Context(), cfg, logger, opts...)
			if err != nil {
				return err
			}
			defer client.Close()

			out := cmd.OutOrStdout()
			unsubscribe := client.Dispatcher().SubscribeAll(func(env *sockrpc.Envelope) {
				fmt.Fprintf(out, "%s %s\n", env.Event, string(env.Payload))
			})
			defer unsubscribe()

			select {
			case <-cmd.Context().Done():
			case <-client.Connection().Done():
				if err := client.Connection().Err(); err != nil && !cfg.Reconnect.Enabled {
					return err
				}
				<-cmd.Context().Done()
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&relay, "relay", false, "publish broadcasts to relay.redis_addr")
	cmd.Flags().BoolVar(&fromRelay, "from-relay", false, "print broadcasts relayed on relay.channel instead of dialing")
	return cmd
}

// tailRelay prints relayed broadcasts in the same format as a direct watch
// until ctx ends or the subscription closes.
func tailRelay(ctx context.Context, sub sockrpc.Subscriber, out io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Channel():
			if !ok {
				return nil
			}
			var relayed sockrpc.RelayMessage
			if err := json.Unmarshal(msg.Data, &relayed); err != nil {
				fmt.Fprintf(out, "%s undecodable relay message: %v\n", msg.Channel, err)
				continue
			}
			fmt.Fprintf(out, "%s %s\n", relayed.Event, string(relayed.Payload))
		}
	}
}
