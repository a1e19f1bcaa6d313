package nats

import (
	"os"
	"sync"
	"sync/atomic"

	natsgo "github.com/nats-io/nats.go"
)

type releaseFunc = func()

// Connector opens (or leases) a NATS connection. The returned release
// function gives the connection back.
type Connector func() (nc *natsgo.Conn, release releaseFunc, err error)

// ReuseConnection shares one connection between all callers. The
// underlying connection is closed when the last lease is released and
// reopened on the next call.
func ReuseConnection(connect Connector) Connector {
	var mu sync.Mutex
	var nc *natsgo.Conn
	var closeCon releaseFunc
	var leased atomic.Int64
	var release releaseFunc = func() {
		mu.Lock()
		defer mu.Unlock()
		if leased.Add(-1) == 0 {
			closeCon()
			nc = nil
		}
	}
	return func() (*natsgo.Conn, releaseFunc, error) {
		mu.Lock()
		defer mu.Unlock()
		if nc == nil {
			var err error
			nc, closeCon, err = connect()
			if err != nil {
				return nil, nil, err
			}
		}
		leased.Add(1)
		return nc, release, nil
	}
}

func ConnectURL(natsURL string) Connector {
	return func() (*natsgo.Conn, releaseFunc, error) {
		nc, err := natsgo.Connect(
			natsURL,
			natsgo.Name("clstr-es"),
			natsgo.MaxReconnects(3),
		)
		if err != nil {
			return nil, nil, err
		}
		return nc, func() { nc.Close() }, nil
	}
}

// ConnectDefault connects to $NATS_URL or the NATS default url.
func ConnectDefault() Connector {
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		return ConnectURL(natsURL)
	}
	return ConnectURL(natsgo.DefaultURL)
}

func connectOrDefault(c Connector) Connector {
	if c == nil {
		return ConnectDefault()
	}
	return c
}
