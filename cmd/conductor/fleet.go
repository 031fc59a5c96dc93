package main

import (
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"conductor/internal/config"
	"conductor/internal/memcache"
	"conductor/internal/protocol"
	"conductor/internal/transport/natsrpc"
	"conductor/internal/worker"
)

// fleet holds the master's handles and whatever backs them.
type fleet struct {
	slaves  []protocol.Slave
	workers []*worker.Worker
	conn    *nats.Conn
}

func newFleet(cfg *config.Config, log *slog.Logger) (*fleet, error) {
	f := &fleet{}
	switch cfg.Transport {
	case config.TransportNATS:
		conn, err := nats.Connect(cfg.NATS.URL, nats.Name("conductor-master"))
		if err != nil {
			return nil, fmt.Errorf("connecting to %s: %w", cfg.NATS.URL, err)
		}
		f.conn = conn
		for i := range cfg.Workers {
			f.slaves = append(f.slaves, natsrpc.NewClient(conn, i,
				natsrpc.WithPrefix(cfg.NATS.SubjectPrefix), natsrpc.WithLogger(log)))
		}
	default:
		types, err := cfg.Service.EventTypes()
		if err != nil {
			return nil, err
		}
		for i := range cfg.Workers {
			opts := []memcache.Option{
				memcache.WithMaxEntries(cfg.Service.MaxEntries),
				memcache.WithLogger(log.With("worker", i)),
			}
			if types != nil {
				opts = append(opts, memcache.WithSupported(types...))
			}
			w := worker.New(i, memcache.New(opts...), worker.WithLogger(log.With("worker", i)))
			f.workers = append(f.workers, w)
			f.slaves = append(f.slaves, protocol.Local(w))
		}
	}
	return f, nil
}

func (f *fleet) Close() {
	for _, w := range f.workers {
		_ = w.Close()
	}
	if f.conn != nil {
		f.conn.Close()
	}
}
