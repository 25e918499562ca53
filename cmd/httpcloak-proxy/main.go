// Command httpcloak-proxy wires a loaded Config into the outbound chain,
// the optional DoH resolver, and every configured inbound listener,
// running them together until one fails or the process is signalled to
// stop.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	root "github.com/sardanioss/httpcloak-proxy"
	"github.com/sardanioss/httpcloak-proxy/chainbuild"
	"github.com/sardanioss/httpcloak-proxy/doh"
	"github.com/sardanioss/httpcloak-proxy/httpengine"
	inbounddns "github.com/sardanioss/httpcloak-proxy/inbound/dns"
	inboundhttp "github.com/sardanioss/httpcloak-proxy/inbound/http"
	"github.com/sardanioss/httpcloak-proxy/tproxy"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <config.json>\n", os.Args[0])
		os.Exit(2)
	}

	if err := run(os.Args[1]); err != nil {
		log.Fatal(err)
	}
}

func run(configPath string) error {
	cfg, err := root.LoadConfig(configPath)
	if err != nil {
		return err
	}

	stack, err := chainbuild.BuildStack(cfg.Proxies)
	if err != nil {
		return fmt.Errorf("cmd: build outbound stack: %w", err)
	}

	fragForce := cfg.FragmentForce()

	var resolver *doh.Client
	if cfg.DoH != nil {
		var fakeHost *root.HostName
		if cfg.DoH.FakeHost != "" {
			h, err := root.ParseHostName(cfg.DoH.FakeHost)
			if err != nil {
				return fmt.Errorf("cmd: doh.fake_host %q: %w", cfg.DoH.FakeHost, err)
			}
			fakeHost = &h
		}
		resolver, err = doh.NewClient(cfg.DoH.Endpoint, fakeHost, fragForce, stack)
		if err != nil {
			return fmt.Errorf("cmd: build doh client: %w", err)
		}
	}

	engine := &httpengine.Engine{
		Stack:           stack,
		FragmentForce:   fragForce,
		FragmentDefault: chainbuild.HasTLSLayer(cfg.Proxies),
	}
	if resolver != nil {
		engine.Resolver = resolver
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	for _, addr := range cfg.HTTPListen {
		addr := addr
		l := &inboundhttp.Listener{Engine: engine, Resolver: engine.Resolver}
		g.Go(func() error { return l.Serve(ctx, addr) })
	}

	if resolver != nil {
		for _, addr := range cfg.DNSListen {
			addr := addr
			l := &inbounddns.Listener{Client: resolver}
			g.Go(func() error { return l.Serve(ctx, addr) })
		}
	}

	if cfg.TProxyListen != nil {
		bridge := &tproxy.Bridge{Stack: stack, Type: tproxy.RedirType(cfg.TProxyListen.RedirType)}
		for _, addr := range cfg.TProxyListen.Listen {
			addr := addr
			g.Go(func() error { return bridge.Serve(ctx, addr) })
		}
	}

	return g.Wait()
}
