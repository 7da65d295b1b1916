package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func heartbeatCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "heartbeat <player-id> <room-id>",
		Short: "Refresh a player's lease",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cleanup, err := flags.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			ack, err := client.Players().Heartbeat(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ack)
		},
	}
}

func createPlayerCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "create-player <player-id> <room-id>",
		Short: "Create a player record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cleanup, err := flags.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			ack, err := client.Players().CreatePlayer(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ack)
		},
	}
}

func getPlayerCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get-player <player-id> <room-id>",
		Short: "Print a player record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cleanup, err := flags.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			player, err := client.Players().GetPlayer(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), player.Raw)
		},
	}
}

func setPlayerCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "set-player <player-id> <room-id> <json>",
		Short: "Replace a player's data",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cleanup, err := flags.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			ack, err := client.Players().SetPlayerData(cmd.Context(), args[0], args[1], json.RawMessage(args[2]))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ack)
		},
	}
}

func deletePlayerCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-player <player-id> <room-id>",
		Short: "Remove a player",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cleanup, err := flags.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			ack, err := client.Players().DeletePlayer(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ack)
		},
	}
}

func createRoomCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "create-room <room-id>",
		Short: "Create a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cleanup, err := flags.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			ack, err := client.Players().CreateRoom(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ack)
		},
	}
}

func listPlayersCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list-players <room-id>",
		Short: "List the players in a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cleanup, err := flags.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			players, err := client.Players().ListPlayers(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), players)
		},
	}
}
