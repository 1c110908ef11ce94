// internal/cli/broadcast.go
// One-shot post to a room without holding a connection open.
package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/erilali/roomchat/internal/api"
	"github.com/erilali/roomchat/internal/logger"
	"github.com/erilali/roomchat/internal/message"
)

func newBroadcastCmd(opts *options) *cobra.Command {
	var (
		room, name, text, token string
		id                      int64
	)
	cmd := &cobra.Command{
		Use:   "broadcast",
		Short: "Post a single message to a room",
		Long: `Post a single message to a room through the broadcast endpoint.

Servers that authenticate senders expect the id and token handed out on the socket;
pass them with --id and --token.

Examples:
  roomchat broadcast --room lobby --name alice --message "hello"
  roomchat broadcast --room lobby --name alice --message "hi" --id 7 --token eyJhbGci...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := message.NewConnectionRequest(room, name)
			if err != nil {
				return err
			}
			text = strings.TrimSpace(text)
			if text == "" {
				return errors.New("message is required")
			}

			client, err := api.NewClient(opts.cfg.BroadcastURL(), nil, logger.NewLogger("api"))
			if err != nil {
				return err
			}
			target := api.Target{Room: req.Room, Name: req.Name, ID: id, Token: strings.TrimSpace(token)}
			if err := client.Broadcast(cmd.Context(), target, text); err != nil {
				if errors.Is(err, api.ErrUnknownSender) {
					return fmt.Errorf("%w (check --id and --token)", err)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent to %s\n", req.Room)
			return nil
		},
	}
	cmd.Flags().StringVar(&room, "room", "", "room to post to")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVarP(&text, "message", "m", "", "message text")
	cmd.Flags().StringVar(&token, "token", "", "bearer token from the connection handshake")
	cmd.Flags().Int64Var(&id, "id", 0, "sender id from the connection handshake")
	return cmd
}
