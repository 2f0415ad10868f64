package controlsock

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/kestrel-dl/kestrel/internal/logging"
	"github.com/kestrel-dl/kestrel/internal/model"
	"github.com/kestrel-dl/kestrel/internal/queue"
)

var log = logging.Get("controlsock")

// Server listens on a Unix domain socket and answers Requests against a
// queue.Manager. It holds no state of its own; every request is resolved
// by calling straight into the manager.
type Server struct {
	manager     *queue.Manager
	path        string
	listener    net.Listener
	nextID      func() string
	maxAttempts int
}

// NewServer builds a Server bound to manager. nextID generates task IDs
// for enqueue requests that don't carry one; maxAttempts is applied to
// every task enqueued through the socket.
func NewServer(manager *queue.Manager, path string, nextID func() string, maxAttempts int) *Server {
	if path == "" {
		path = DefaultSocketPath
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Server{manager: manager, path: path, nextID: nextID, maxAttempts: maxAttempts}
}

// Listen opens the Unix socket, removing any stale socket file left by a
// crashed previous run.
func (s *Server) Listen() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create control socket directory: %w", err)
	}
	if _, err := os.Stat(s.path); err == nil {
		os.Remove(s.path)
	}
	l, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	s.listener = l
	return nil
}

// Serve accepts connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	defer os.Remove(s.path)
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if uc, ok := conn.(*net.UnixConn); ok {
			if raw, err := uc.SyscallConn(); err == nil {
				raw.Control(tuneBuffers)
			}
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	enc := json.NewEncoder(conn)
	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			enc.Encode(Response{OK: false, Error: fmt.Sprintf("malformed request: %v", err)})
			continue
		}
		enc.Encode(s.dispatch(req))
	}
}

func (s *Server) dispatch(req Request) Response {
	switch req.Action {
	case ActionEnqueue:
		return s.handleEnqueue(req)
	case ActionStatus:
		if req.TaskID != "" {
			snap, ok := s.manager.Snapshot(req.TaskID)
			if !ok {
				return Response{OK: false, Error: fmt.Sprintf("unknown task %q", req.TaskID)}
			}
			return Response{OK: true, Snapshot: &snap}
		}
		return Response{OK: true, Snapshots: s.manager.ListSnapshots()}
	case ActionPause:
		if err := s.manager.Pause(req.TaskID); err != nil {
			return Response{OK: false, Error: err.Error()}
		}
		return Response{OK: true}
	case ActionResume:
		if err := s.manager.Resume(req.TaskID); err != nil {
			return Response{OK: false, Error: err.Error()}
		}
		return Response{OK: true}
	case ActionCancel:
		if err := s.manager.Cancel(req.TaskID); err != nil {
			return Response{OK: false, Error: err.Error()}
		}
		return Response{OK: true}
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown action %q", req.Action)}
	}
}

func (s *Server) handleEnqueue(req Request) Response {
	if req.URL == "" {
		return Response{OK: false, Error: "url is required"}
	}
	if req.Destination == "" {
		return Response{OK: false, Error: "destination is required"}
	}
	id := req.TaskID
	if id == "" {
		id = s.nextID()
	}
	priority := req.Priority
	task := model.NewTask(id, req.URL, req.Destination, priority, s.maxAttempts, req.Options)
	if err := s.manager.Enqueue(task); err != nil {
		var de *model.DownloadError
		if errors.As(err, &de) {
			return Response{OK: false, Error: de.Error()}
		}
		return Response{OK: false, Error: err.Error()}
	}
	snap, _ := s.manager.Snapshot(id)
	log.Info().Str("task_id", id).Str("url", req.URL).Msg("enqueued via control socket")
	return Response{OK: true, Snapshot: &snap}
}
