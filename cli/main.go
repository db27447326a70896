// Command fleetctl is the operator CLI for a fleet group's control surface.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

type options struct {
	addr    string
	timeout time.Duration
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "fleetctl",
		Short:        "Operate a fleet group through its master",
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&opts.addr, "addr", envOr("FLEET_ADDR", "http://localhost:8070"), "control surface address")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		nodesCmd(opts),
		serversCmd(opts),
		rpcCmd(opts),
		sendCmd(opts),
		eventsCmd(opts),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (o *options) client() *apiClient {
	return newAPIClient(o.addr, o.timeout)
}

func nodesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List the nodes of the group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp struct {
				Nodes []struct {
					NodeID   string `json:"node_id"`
					Role     string `json:"role"`
					BusAddr  string `json:"bus_addr"`
					LastSeen int64  `json:"last_seen"`
				} `json:"nodes"`
			}
			if _, err := opts.client().do(cmd.Context(), http.MethodGet, "/v1/nodes", nil, &resp); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NODE\tROLE\tBUS\tLAST SEEN")
			for _, n := range resp.Nodes {
				seen := time.UnixMilli(n.LastSeen).Format(time.RFC3339)
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", n.NodeID, n.Role, n.BusAddr, seen)
			}
			return tw.Flush()
		},
	}
}

func serversCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "servers NODE",
		Short: "List the managed servers of a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Servers []struct {
					Name     string `json:"name"`
					Status   string `json:"status"`
					Endpoint struct {
						Host string `json:"host"`
						Port int    `json:"port"`
					} `json:"endpoint"`
				} `json:"servers"`
			}
			path := "/v1/nodes/" + pathEscape(args[0]) + "/servers"
			if _, err := opts.client().do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SERVER\tSTATUS\tENDPOINT")
			for _, s := range resp.Servers {
				fmt.Fprintf(tw, "%s\t%s\t%s:%d\n", s.Name, s.Status, s.Endpoint.Host, s.Endpoint.Port)
			}
			return tw.Flush()
		},
	}
}

func rpcCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "rpc NODE SERVICE METHOD [PARAMS_JSON]",
		Short: "Call a bus service method on a node",
		Args:  cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(args[3:])
			if err != nil {
				return err
			}
			body := map[string]any{"service": args[1], "method": args[2], "params": params}
			var resp map[string]json.RawMessage
			path := "/v1/nodes/" + pathEscape(args[0]) + "/rpc"
			if _, err := opts.client().do(cmd.Context(), http.MethodPost, path, body, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp["result"])
		},
	}
}

func sendCmd(opts *options) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "send NODE SERVER COMMAND [PARAMS_JSON]",
		Short: "Send a command to a managed server",
		Args:  cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(args[3:])
			if err != nil {
				return err
			}
			body := map[string]any{"command": args[2], "params": params, "wait_ms": wait.Milliseconds()}
			var resp map[string]json.RawMessage
			path := "/v1/nodes/" + pathEscape(args[0]) + "/servers/" + pathEscape(args[1]) + "/commands"
			status, err := opts.client().do(cmd.Context(), http.MethodPost, path, body, &resp)
			if err != nil {
				return err
			}
			if status == http.StatusAccepted {
				fmt.Fprintln(cmd.OutOrStdout(), "sent")
				return nil
			}
			return printJSON(cmd.OutOrStdout(), resp["reply"])
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait this long for the server's reply")
	return cmd
}

func eventsCmd(opts *options) *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream events from every node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr, err := opts.client().eventsURL(server)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return streamEvents(ctx, addr, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "only events from this server")
	return cmd
}

// streamEvents prints each event as one JSON line until ctx is done or the
// stream closes.
func streamEvents(ctx context.Context, addr string, out io.Writer) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		fmt.Fprintln(out, string(data))
	}
}

func parseParams(args []string) (map[string]any, error) {
	if len(args) == 0 || args[0] == "" {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(args[0]))
	dec.UseNumber()
	var params map[string]any
	if err := dec.Decode(&params); err != nil {
		return nil, fmt.Errorf("params must be a JSON object: %w", err)
	}
	return params, nil
}

func printJSON(out io.Writer, raw json.RawMessage) error {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(formatted))
	return err
}
