package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

const closeGrace = 2 * time.Second

func newConnectCmd() *cobra.Command {
	var origin string

	cmd := &cobra.Command{
		Use:   "connect URL",
		Short: "Connect to a websocket, sending stdin lines and printing what arrives",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return connect(cmd.Context(), args[0], origin, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&origin, "origin", "", "Origin header to send with the handshake")

	return cmd
}

// connect returns once the server closes the socket, which it does after
// the close frame sent at the end of input or on ctx cancellation.
func connect(ctx context.Context, url, origin string, in io.Reader, out io.Writer) error {
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer ws.Close()

	readDone := make(chan error, 1)
	go func() {
		for {
			_, payload, err := ws.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					readDone <- nil
				} else {
					readDone <- err
				}
				return
			}
			fmt.Fprintln(out, string(payload))
		}
	}()

	writeDone := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			if err := ws.WriteMessage(websocket.TextMessage, scanner.Bytes()); err != nil {
				writeDone <- err
				return
			}
		}
		writeDone <- scanner.Err()
	}()

	sendClose := func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	}
	waitRead := func() error {
		select {
		case err := <-readDone:
			return err
		case <-time.After(closeGrace):
			return nil
		}
	}

	select {
	case err := <-readDone:
		return err
	case err := <-writeDone:
		if err != nil {
			return err
		}
		sendClose()
		return waitRead()
	case <-ctx.Done():
		sendClose()
		return waitRead()
	}
}
