package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"netrpc/client"
	"netrpc/config"
	"netrpc/registry"
)

var callFlags struct {
	version  string
	addr     string
	balancer string
	repeat   int
}

var callCmd = &cobra.Command{
	Use:   "call Interface.Method [arg...]",
	Short: "Call a remote method; every arg is a JSON value",
	Example: `  netrpc call Calc.Add 1 2 --version 1.0
  netrpc call Echo.Say '"hello"' --addr 127.0.0.1:18866`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCall(cmd, args)
	},
}

func init() {
	f := callCmd.Flags()
	f.StringVar(&callFlags.version, "version", "", "service version")
	f.StringVar(&callFlags.addr, "addr", "", "call this host:port directly instead of asking etcd")
	f.StringVar(&callFlags.balancer, "balancer", "", "round_robin|random|consistent_hash|lfu|lru")
	f.IntVarP(&callFlags.repeat, "repeat", "n", 1, "number of calls")
}

func applyCallFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("balancer") {
		cfg.Balancer = callFlags.balancer
	}
}

func runCall(cmd *cobra.Command, args []string) error {
	iface, method, ok := strings.Cut(args[0], ".")
	if !ok || iface == "" || method == "" {
		return fmt.Errorf("want Interface.Method, got %q", args[0])
	}
	params := make([]any, 0, len(args)-1)
	for _, arg := range args[1:] {
		var v any
		if err := json.Unmarshal([]byte(arg), &v); err != nil {
			return fmt.Errorf("argument %q is not JSON: %w", arg, err)
		}
		params = append(params, v)
	}

	var discovery registry.Discovery
	if callFlags.addr != "" {
		endpoint, err := staticEndpoint(callFlags.addr, iface, callFlags.version)
		if err != nil {
			return err
		}
		discovery = staticDiscovery{endpoint}
	} else {
		reg, err := newEtcdRegistry()
		if err != nil {
			return err
		}
		defer reg.Close()
		discovery = reg
	}

	c, err := client.NewFromConfig(*cfg, discovery, logger)
	if err != nil {
		return err
	}
	defer c.Close(context.Background())

	call := client.Call{Interface: iface, Version: callFlags.version, Method: method, Args: params}
	for i := 0; i < callFlags.repeat; i++ {
		var reply json.RawMessage
		if err := c.Call(cmd.Context(), call, &reply); err != nil {
			return err
		}
		if len(reply) == 0 {
			reply = json.RawMessage("null")
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(reply))
	}
	return nil
}

func staticEndpoint(addr, iface, version string) (registry.Endpoint, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return registry.Endpoint{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return registry.Endpoint{}, fmt.Errorf("bad port in %q: %w", addr, err)
	}
	return registry.Endpoint{
		Host:     host,
		Port:     port,
		Services: []registry.ServiceDescriptor{{Name: iface, Version: version}},
	}, nil
}

// staticDiscovery reports one fixed endpoint and never changes.
type staticDiscovery struct {
	endpoint registry.Endpoint
}

func (d staticDiscovery) ListEndpoints(context.Context) ([]registry.Endpoint, error) {
	return []registry.Endpoint{d.endpoint}, nil
}

func (d staticDiscovery) Watch(ctx context.Context) <-chan registry.Event {
	ch := make(chan registry.Event)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}
