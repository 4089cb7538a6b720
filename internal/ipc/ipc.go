package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	log "log/slog"
	"net"
	"os"
	"time"
)

const DefaultSocketPath = "/tmp/calico.sock"

const (
	CmdStatus = "status"
	CmdInject = "inject"
)

// Request is one control command, sent as a single JSON object per
// connection.
type Request struct {
	Cmd    string            `json:"cmd"`
	Intent string            `json:"intent,omitempty"`
	Input  string            `json:"input,omitempty"`
	Site   string            `json:"site,omitempty"`
	Slots  map[string]string `json:"slots,omitempty"`
}

type Response struct {
	OK      bool     `json:"ok"`
	Error   string   `json:"error,omitempty"`
	Skills  []string `json:"skills,omitempty"`
	Intents []string `json:"intents,omitempty"`
	Failed  []string `json:"failed,omitempty"`
}

// Handler answers a request. Returned errors become {"ok":false,"error":...}.
type Handler func(ctx context.Context, req Request) (Response, error)

// Server listens on a unix socket until its context is cancelled.
type Server struct {
	path string
	ln   net.Listener
}

// StartServer replaces any stale socket at path and serves handler on it.
func StartServer(ctx context.Context, path string, handler Handler) (*Server, error) {
	if path == "" {
		path = DefaultSocketPath
	}
	os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	s := &Server{path: path, ln: ln}
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				log.Warn("Failed to accept control connection", "err", err)
				continue
			}
			go handleConn(ctx, conn, handler)
		}
	}()

	log.Info("Control socket listening", "path", path)
	return s, nil
}

func (s *Server) Close() error {
	err := s.ln.Close()
	os.Remove(s.path)
	return err
}

func handleConn(ctx context.Context, conn net.Conn, handler Handler) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))

	var req Request
	dec := json.NewDecoder(conn)
	if err := dec.Decode(&req); err != nil {
		log.Warn("Failed to decode control request", "err", err)
		_ = json.NewEncoder(conn).Encode(Response{Error: "bad request: " + err.Error()})
		return
	}

	log.Debug("Control request", "cmd", req.Cmd, "intent", req.Intent)

	resp, err := handler(ctx, req)
	if err != nil {
		resp = Response{Error: err.Error()}
	} else {
		resp.OK = true
	}

	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		log.Warn("Failed to write control response", "err", err)
	}
}

// Send delivers req to the daemon listening on path and waits for the reply.
func Send(ctx context.Context, path string, req Request) (Response, error) {
	if path == "" {
		path = DefaultSocketPath
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return Response{}, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return Response{}, fmt.Errorf("send: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("read reply: %w", err)
	}
	if !resp.OK && resp.Error != "" {
		return resp, errors.New(resp.Error)
	}
	return resp, nil
}
