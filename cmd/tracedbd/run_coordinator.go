// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/SnellerInc/tracedbd/internal/controller"
	"github.com/SnellerInc/tracedbd/internal/dbopen"
	"github.com/SnellerInc/tracedbd/internal/peergroup"
	"github.com/SnellerInc/tracedbd/internal/session"
	"github.com/SnellerInc/tracedbd/internal/workerpool"
)

func runCoordinator(args []string) {
	cmd := flag.NewFlagSet("coordinator", flag.ExitOnError)
	listenAddr := cmd.String("l", "127.0.0.1:9400", "endpoint to listen on for client sessions")
	peersPath := cmd.String("peers", "", "YAML file listing worker addresses (unset runs every rank inline, in-process)")
	pageSize := cmd.Int64("page-size", 4<<20, "paged file page size in bytes")
	maxPages := cmd.Int("max-pages", 256, "maximum pages held in memory per open database")
	compress := cmd.Bool("compress", true, "zlib-compress per-rank sample payloads")

	if cmd.Parse(args) != nil {
		os.Exit(1)
	}
	logger := log.New(os.Stderr, "", log.Lshortfile)

	pf, err := loadPeerFile(*peersPath)
	if err != nil {
		logger.Fatalf("reading peer file %q: %s", *peersPath, err)
	}

	l, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		logger.Fatal(err)
	}

	c := &coordinator{
		logger:   logger,
		listener: l,
		peers:    pf.Workers,
		pageSize: *pageSize,
		maxPages: *maxPages,
		compress: *compress,
	}

	go func() {
		logger.Printf("tracedbd coordinator %s listening on %v\n", version, l.Addr())
		if err := c.serve(); err != nil {
			logger.Fatal(err)
		}
	}()

	sig := make(chan os.Signal, 1)

	// We'll accept graceful shutdowns when quit via SIGINT (Ctrl+C)
	// or SIGTERM; SIGKILL and SIGQUIT (Ctrl+\) will not be caught
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	// Block until we receive our signal
	<-sig

	// Create a deadline to wait for
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	c.shutdown(ctx)
}

// coordinator owns the client-facing listener named by -l and, for
// every accepted connection, builds a session.Session whose pool
// either samples locally (no -peers) or dials out to the worker
// addresses named by -peers.
type coordinator struct {
	logger   *log.Logger
	listener net.Listener
	peers    []string
	pageSize int64
	maxPages int
	compress bool

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func (c *coordinator) serve() error {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			return err
		}
		c.track(conn)
		go func() {
			defer c.untrack(conn)
			session.New(conn, c.logger, c.open, c.newPool, c.pageSize, c.maxPages, c.compress, c.port()).Serve()
		}()
	}
}

func (c *coordinator) port() int32 {
	if tcp, ok := c.listener.Addr().(*net.TCPAddr); ok {
		return int32(tcp.Port)
	}
	return 0
}

func (c *coordinator) track(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conns == nil {
		c.conns = make(map[net.Conn]struct{})
	}
	c.conns[conn] = struct{}{}
}

func (c *coordinator) untrack(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conns, conn)
}

func (c *coordinator) open(path string, pageSize int64, maxPagesInMemory int) (*controller.Controller, error) {
	return dbopen.Open(path, pageSize, maxPagesInMemory)
}

// newPool builds the WorkerPool for one freshly opened Controller: a
// DistributedPool dialing every -peers address when the list is
// non-empty, otherwise an InlinePool sampling against ctrl directly in
// the calling goroutine.
func (c *coordinator) newPool(ctrl *controller.Controller) workerpool.Pool {
	if len(c.peers) == 0 {
		return &workerpool.InlinePool{Controller: ctrl, Sampler: ctrl}
	}
	group, err := peergroup.Dial(c.peers)
	if err != nil {
		c.logger.Printf("dialing workers, falling back to inline sampling: %s", err)
		return &workerpool.InlinePool{Controller: ctrl, Sampler: ctrl}
	}
	return &workerpool.DistributedPool{Controller: ctrl, Group: group, Compress: c.compress}
}

// shutdown closes the listener and waits for in-flight sessions to
// finish on their own, forcing their connections closed only if ctx
// expires first.
func (c *coordinator) shutdown(ctx context.Context) {
	c.listener.Close()

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			c.mu.Lock()
			n := len(c.conns)
			c.mu.Unlock()
			if n == 0 {
				close(done)
				return
			}
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.mu.Lock()
		for conn := range c.conns {
			conn.Close()
		}
		c.mu.Unlock()
	}
}
