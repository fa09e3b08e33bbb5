// Command mapwebd serves a demo mapweb bootstrap capability over both the
// WebSocket and HTTP batch transports.
package main

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mapweb/mapweb"
)

var (
	addr    string
	rpcPath string
)

func main() {
	root := &cobra.Command{
		Use:   "mapwebd",
		Short: "Serve a demo mapweb capability over WebSocket and HTTP batch transports",
		RunE:  run,
	}
	root.Flags().StringVar(&addr, "addr", ":8080", "address to listen on")
	root.Flags().StringVar(&rpcPath, "path", "/api", "RPC endpoint path")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	e := mapweb.SetupEchoServer()
	mapweb.SetupRpcEndpointWithLogger(e, rpcPath, newDemoTarget(), func() *log.Logger {
		connLogger := logger.With(zap.String("conn", uuid.NewString()))
		return zap.NewStdLog(connLogger)
	})

	logger.Info("mapwebd starting",
		zap.String("addr", addr),
		zap.String("rpc_path", rpcPath),
	)

	return e.Start(addr)
}

// newDemoTarget builds the bootstrap capability mapwebd exposes: a
// fibonacci generator and a tiny counter, enough surface to exercise
// pipelined calls (next() chained off newCounter()'s result) and the map
// protocol (a client can record a transform over generateFibonacci's
// array result and ship it as one remap instruction instead of pulling
// every element individually).
func newDemoTarget() mapweb.Target {
	target := mapweb.NewMethodTarget()

	target.Method("generateFibonacci", func(ctx context.Context, args mapweb.Payload) (mapweb.Payload, error) {
		list, _ := args.Value.([]interface{})
		n := 10
		if len(list) > 0 {
			if f, ok := list[0].(float64); ok {
				n = int(f)
			}
		}
		if n < 0 {
			return mapweb.Payload{}, fmt.Errorf("count must be non-negative")
		}
		out := make([]interface{}, n)
		a, b := big.NewInt(0), big.NewInt(1)
		for i := 0; i < n; i++ {
			out[i] = new(big.Int).Set(a)
			a, b = b, new(big.Int).Add(a, b)
		}
		return mapweb.NewPayload(out), nil
	})

	target.Method("newCounter", func(ctx context.Context, args mapweb.Payload) (mapweb.Payload, error) {
		return mapweb.NewHookPayload(mapweb.NewLocalTargetHook(newCounterTarget())), nil
	})

	return target
}

// counterTarget is a tiny stateful capability, returned by reference
// (newCounter) rather than by value, to demonstrate a call result that is
// itself a further pipelineable capability.
type counterTarget struct {
	n int
}

func newCounterTarget() mapweb.Target { return &counterTarget{} }

func (c *counterTarget) Get(path mapweb.PropertyPath) (mapweb.Payload, error) {
	if len(path) != 1 {
		return mapweb.Payload{}, fmt.Errorf("counter has no nested properties")
	}
	name, _ := path[0].(string)
	if name != "next" {
		return mapweb.Payload{}, fmt.Errorf("method not found: %s", name)
	}
	return mapweb.NewHookPayload(mapweb.NewFunctionHook(func(ctx context.Context, args mapweb.Payload) (mapweb.Payload, error) {
		args.Dispose()
		c.n++
		return mapweb.NewPayload(float64(c.n)), nil
	})), nil
}

func (c *counterTarget) Call(ctx context.Context, path mapweb.PropertyPath, args mapweb.Payload) (mapweb.Payload, error) {
	args.Dispose()
	if len(path) != 1 {
		return mapweb.Payload{}, fmt.Errorf("counter calls must address exactly one method")
	}
	name, _ := path[0].(string)
	if name != "next" {
		return mapweb.Payload{}, fmt.Errorf("method not found: %s", name)
	}
	c.n++
	return mapweb.NewPayload(float64(c.n)), nil
}
