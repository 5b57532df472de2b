// Package ipc is the local control channel of a running hub: a unix socket
// that takes one command line per connection, such as
// make_call(destination="sip:100@pbx"), and answers "ok" or "error: ...".
package ipc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"voxhub/pkg/protocol"
)

const (
	Source = "CTL"

	replyOK = "ok"
	timeout = 5 * time.Second
)

type Server struct {
	path    string
	ln      net.Listener
	handler func(protocol.Command) error
	wg      sync.WaitGroup
}

// StartServer listens on path, replacing a stale socket, and serves until
// ctx is done or Close is called. Commands are addressed to target.
func StartServer(ctx context.Context, path, target string, handler func(protocol.Command) error) (*Server, error) {
	os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	s := &Server{path: path, ln: ln, handler: handler}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if err != nil {
				log.Warn("Control accept failed", "err", err)
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleConn(conn, target)
			}()
		}
	}()

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	log.Info("Control socket ready", "path", path)
	return s, nil
}

func (s *Server) handleConn(conn net.Conn, target string) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}
	line = strings.TrimSpace(line)

	reply := replyOK
	cmd, err := protocol.Parse(line, Source, target)
	if err == nil {
		err = s.handler(cmd)
	}
	if err != nil {
		log.Warn("Control command refused", "line", line, "err", err)
		reply = "error: " + err.Error()
	}
	fmt.Fprintln(conn, reply)
}

func (s *Server) Path() string { return s.path }

func (s *Server) Close() error {
	err := s.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	s.wg.Wait()
	os.Remove(s.path)
	return err
}

// SendCommand sends one command line to the hub listening on path and
// returns an error if the hub refused it.
func SendCommand(path, line string) error {
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	if _, err := fmt.Fprintln(conn, line); err != nil {
		return err
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	reply = strings.TrimSpace(reply)
	if reply != replyOK {
		return errors.New(strings.TrimPrefix(reply, "error: "))
	}
	return nil
}
