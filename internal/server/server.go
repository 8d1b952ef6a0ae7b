// Package server serves fork requests on the zygote command socket
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"github.com/zqzqsb/zygote/internal/config"
	"github.com/zqzqsb/zygote/internal/protocol"
	"github.com/zqzqsb/zygote/pkg/rlimit"
	"github.com/zqzqsb/zygote/pkg/unixsocket"
	"github.com/zqzqsb/zygote/zygote"
)

// ErrPermission is returned to peers that may not make a request
var ErrPermission = errors.New("permission denied")

// Forker forks specialized children
type Forker interface {
	ForkAndSpecialize(req *zygote.ForkRequest) zygote.ForkResult
}

// Options configure a Server
type Options struct {
	Logger *slog.Logger

	// AllowedUIDs may send requests besides root
	AllowedUIDs []int

	// Defaults are applied to every request
	Defaults *config.Child
}

// Server accepts connections and forks one child per request
type Server struct {
	forker   Forker
	logger   *slog.Logger
	allowed  map[uint32]bool
	defaults *config.Child
	wg       sync.WaitGroup
}

// New creates a server forking through f
func New(f Forker, opts Options) *Server {
	s := &Server{
		forker:   f,
		logger:   opts.Logger,
		allowed:  map[uint32]bool{0: true},
		defaults: opts.Defaults,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "server")
	for _, uid := range opts.AllowedUIDs {
		s.allowed[uint32(uid)] = true
	}
	return s
}

// Serve accepts connections on l until ctx is done, then waits for the
// open connections to finish
func (s *Server) Serve(ctx context.Context, l *unixsocket.Listener) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()
	defer s.wg.Wait()

	s.logger.Info("serving", "addr", l.Addr().String())
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, conn)
		}()
	}
}

// ServeConn answers the requests of one connection until the peer closes
// it or ctx is done. The connection must carry peer credentials.
func (s *Server) ServeConn(ctx context.Context, conn *unixsocket.Socket) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	buf := make([]byte, protocol.MaxPacket)
	for {
		n, msg, err := conn.RecvMsg(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("receive request", "error", err)
			}
			return
		}
		if n == 0 && msg.Cred == nil && len(msg.Fds) == 0 {
			return
		}
		reply := s.handle(buf[:n], msg)
		if err := conn.SendMsg(reply, unixsocket.Msg{}); err != nil {
			s.logger.Warn("send reply", "error", err)
			return
		}
	}
}

// handle runs one request. The received fds are closed once the child has
// duplicated them or failed.
func (s *Server) handle(b []byte, msg unixsocket.Msg) []byte {
	defer closeFds(msg.Fds)

	id := uuid.NewString()
	logger := s.logger.With("request", id)

	if msg.Cred == nil {
		logger.Warn("request without credentials")
		return protocol.Error(fmt.Errorf("%w: no peer credentials", ErrPermission))
	}
	logger = logger.With("peer_uid", msg.Cred.Uid, "peer_pid", msg.Cred.Pid)
	if !s.allowed[msg.Cred.Uid] {
		logger.Warn("request from disallowed peer")
		return protocol.Error(fmt.Errorf("%w: uid %d", ErrPermission, msg.Cred.Uid))
	}

	req, err := protocol.ParseArgs(protocol.Decode(b))
	if err != nil {
		logger.Warn("malformed request", "error", err)
		return protocol.Error(err)
	}
	if err := checkPolicy(msg.Cred, req); err != nil {
		logger.Warn("request refused", "error", err)
		return protocol.Error(err)
	}
	if s.defaults != nil {
		if err := s.defaults.Apply(req); err != nil {
			return protocol.Error(err)
		}
	}
	for _, fd := range msg.Fds {
		req.Files = append(req.Files, uintptr(fd))
	}

	res := s.forker.ForkAndSpecialize(req)
	if err := res.Wait(); err != nil {
		logger.Error("fork failed", "name", req.NiceName, "error", err)
		return protocol.Error(err)
	}
	logger.Info("request served", "pid", res.Pid, "uid", req.UID, "name", req.NiceName)
	return protocol.OK(res.Pid, id)
}

// checkPolicy keeps non-root peers from asking for more than they could
// get on their own. The child applies mounts and limits as root, so such
// peers may not request mounts nor raise a hard limit above the zygote's.
func checkPolicy(cred *syscall.Ucred, req *zygote.ForkRequest) error {
	if cred.Uid == 0 {
		return nil
	}
	if req.UID == 0 || req.GID == 0 {
		return fmt.Errorf("%w: only root may request uid or gid 0", ErrPermission)
	}
	for _, g := range req.GIDs {
		if g == 0 {
			return fmt.Errorf("%w: only root may request group 0", ErrPermission)
		}
	}
	if len(req.Mounts) > 0 {
		return fmt.Errorf("%w: only root may request mounts", ErrPermission)
	}
	i, err := rlimit.Exceeds(req.RLimits)
	if err != nil {
		return fmt.Errorf("%w: rlimit[%d]: %v", zygote.ErrInvalidRequest, i, err)
	}
	if i >= 0 {
		return fmt.Errorf("%w: rlimit[%d] raises the hard limit", ErrPermission, i)
	}
	return nil
}

func closeFds(fds []int) {
	for _, fd := range fds {
		syscall.Close(fd)
	}
}

// Client sends requests over a connection to the command socket
type Client struct {
	conn *unixsocket.Socket
	buf  []byte
}

// Dial connects to the command socket at path
func Dial(path string) (*Client, error) {
	conn, err := unixsocket.Dial(path)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

// NewClient uses an established connection
func NewClient(conn *unixsocket.Socket) *Client {
	return &Client{conn: conn, buf: make([]byte, protocol.MaxPacket)}
}

// Fork asks the zygote to fork req; files become the child's fd 0..n-1.
// The caller's credentials are attached to the request.
func (c *Client) Fork(req *zygote.ForkRequest, files []int) (protocol.Reply, error) {
	b, err := protocol.Encode(protocol.FormatArgs(req))
	if err != nil {
		return protocol.Reply{}, err
	}
	cred := &syscall.Ucred{
		Pid: int32(syscall.Getpid()),
		Uid: uint32(syscall.Getuid()),
		Gid: uint32(syscall.Getgid()),
	}
	if err := c.conn.SendMsg(b, unixsocket.Msg{Fds: files, Cred: cred}); err != nil {
		return protocol.Reply{}, err
	}
	n, msg, err := c.conn.RecvMsg(c.buf)
	if err != nil {
		return protocol.Reply{}, err
	}
	closeFds(msg.Fds)
	return protocol.ParseReply(c.buf[:n])
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}
