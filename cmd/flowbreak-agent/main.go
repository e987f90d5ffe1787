// Command flowbreak-agent is the process entry point: it wires config,
// the service registry, live capture, IP defragmentation, the dispatch
// worker pool, and the output sink(s) together, the way main.go +
// cmd/internal/apidump assemble the teacher's capture pipeline.
package main

import (
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/postmanlabs/flowbreak/capture"
	"github.com/postmanlabs/flowbreak/config"
	"github.com/postmanlabs/flowbreak/dispatch"
	"github.com/postmanlabs/flowbreak/httpparse"
	"github.com/postmanlabs/flowbreak/ipdefrag"
	"github.com/postmanlabs/flowbreak/logging"
	"github.com/postmanlabs/flowbreak/mysqlparse"
	"github.com/postmanlabs/flowbreak/parser"
	"github.com/postmanlabs/flowbreak/registry"
	"github.com/postmanlabs/flowbreak/sink"
	"github.com/postmanlabs/flowbreak/tcpreasm"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logging.Stderr.Errorf("%v", err)
		os.Exit(1)
	}
	logging.SetLevel(logging.LevelInfo + logging.Level(cfg.Verbose))

	if err := run(cfg); err != nil {
		logging.Stderr.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	reg := registry.New()
	entries, err := cfg.BuildRegistry()
	if err != nil {
		return err
	}
	if err := reg.Replace(entries); err != nil {
		return err
	}

	factories := map[registry.Protocol]parser.Factory{
		registry.ProtocolHTTP:    httpparse.NewFactory(),
		registry.ProtocolMySQL:   mysqlparse.NewFactory(),
		registry.ProtocolDefault: parser.NewDefaultFactory(),
	}

	resolve := func(ip net.IP, port uint16) (registry.Protocol, parser.Factory, bool) {
		entry, ok := reg.Lookup(ip, port)
		if !ok {
			return "", nil, false
		}
		f, ok := factories[entry.Protocol]
		if !ok {
			return "", nil, false
		}
		return entry.Protocol, f, true
	}

	jsonSink, err := sink.Open(cfg.SinkPath)
	if err != nil {
		return err
	}
	defer jsonSink.Close()

	emit := jsonSink.Emit
	if cfg.HARPath != "" {
		harSink := sink.OpenHAR(cfg.HARPath)
		defer harSink.Close()
		fanout := sink.NewFanout(jsonSink.Emit, harSink.Emit)
		emit = fanout.Emit
	}

	pool := dispatch.NewPool(cfg.WorkerCount, tcpreasm.Resolver(resolve), emit)
	defer pool.Stop()

	bpf := cfg.BPFFilter
	if bpf == "" {
		bpf = reg.FilterExpression()
	}

	src, err := capture.Open(cfg.Interface, bpf)
	if err != nil {
		return err
	}
	defer src.Close()

	done := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		close(done)
	}()

	if cfg.AdminAddr != "" {
		admin := sink.NewAdminServer(cfg.AdminAddr, reg, nil)
		go func() {
			if err := admin.ListenAndServe(); err != nil {
				logging.Stderr.Warningf("admin server stopped: %v", err)
			}
		}()
	}

	defrag := ipdefrag.New(func(ip net.IP, port uint16) bool {
		_, ok := reg.Lookup(ip, port)
		return ok
	})

	for dgram := range src.Run(done) {
		whole, ok := defrag.Defragment(dgram.Bytes, dgram.TS)
		if !ok {
			continue
		}
		pool.Submit(whole, dgram.TS)
	}
	return nil
}
