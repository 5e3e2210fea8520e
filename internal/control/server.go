package control

import (
	"errors"
	"log"
	"net"
	"strconv"
	"sync"

	"github.com/tidwall/redcon"

	"github.com/jingweiz/sample-factory/pkg/bufpool"
	"github.com/jingweiz/sample-factory/pkg/bytes"
	pkgerrors "github.com/jingweiz/sample-factory/pkg/errors"
)

// StatusProvider supplies the operator-facing view of the learner.
type StatusProvider interface {
	// StatusLines renders run state as key:value lines.
	StatusLines() []string
	// Version is the current policy version.
	Version() int64
}

type commandFunc func(conn redcon.Conn, args [][]byte)

// Server exposes a small RESP surface for operators: liveness, run status,
// PBT verbs, and shutdown. Mutating commands go through the same inbox as
// producer messages, so they interleave with training in inbox order.
type Server struct {
	addr     string
	ch       *Channel
	status   StatusProvider
	commands map[string]commandFunc
	server   *redcon.Server
	listener net.Listener

	mu      sync.RWMutex
	clients map[redcon.Conn]struct{}
}

func NewServer(addr string, ch *Channel, status StatusProvider) *Server {
	s := &Server{
		addr:    addr,
		ch:      ch,
		status:  status,
		clients: make(map[redcon.Conn]struct{}),
	}
	s.commands = map[string]commandFunc{
		"PING":     s.cmdPing,
		"STATUS":   s.cmdStatus,
		"VERSION":  s.cmdVersion,
		"PBT.SAVE": s.cmdPbtSave,
		"PBT.LOAD": s.cmdPbtLoad,
		"PBT.SET":  s.cmdPbtSet,
		"SHUTDOWN": s.cmdShutdown,
		"QUIT":     s.cmdQuit,
	}
	return s
}

func (s *Server) Start() error {
	log.Printf("control: server starting on %s", s.addr)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	srv := redcon.NewServer(s.addr,
		s.handleCommand,
		s.handleAccept,
		s.handleClose,
	)

	s.mu.Lock()
	s.listener = ln
	s.server = srv
	s.mu.Unlock()

	return srv.Serve(ln)
}

func (s *Server) Stop() error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

// Addr returns the bound address once Start has a listener, which matters
// when the configured port is 0.
func (s *Server) Addr() string {
	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()
	if ln != nil {
		return ln.Addr().String()
	}
	return s.addr
}

func (s *Server) handleAccept(conn redcon.Conn) bool {
	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()

	log.Printf("control: client connected: %s", conn.RemoteAddr())
	return true
}

func (s *Server) handleClose(conn redcon.Conn, err error) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()

	log.Printf("control: client disconnected: %s", conn.RemoteAddr())
}

func (s *Server) handleCommand(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) == 0 {
		conn.WriteError("ERR empty command")
		return
	}

	s.dispatch(conn, cmd.Args[0], cmd.Args[1:])

	pipeline := conn.ReadPipeline()
	for _, p := range pipeline {
		if len(p.Args) == 0 {
			continue
		}
		s.dispatch(conn, p.Args[0], p.Args[1:])
	}
}

func (s *Server) dispatch(conn redcon.Conn, cmdBytes []byte, args [][]byte) {
	toUpperInPlace(cmdBytes)

	fn, ok := s.commands[bytes.BytesToString(cmdBytes)]
	if !ok {
		conn.WriteError("ERR unknown command '" + bytes.BytesToString(cmdBytes) + "'")
		return
	}
	fn(conn, args)
}

func (s *Server) cmdPing(conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		conn.WriteString("PONG")
	} else {
		conn.WriteBulk(args[0])
	}
}

func (s *Server) cmdStatus(conn redcon.Conn, _ [][]byte) {
	buf := bufpool.Get()
	defer bufpool.Put(buf)

	for _, line := range s.status.StatusLines() {
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}
	conn.WriteBulk(buf.Bytes())
}

func (s *Server) cmdVersion(conn redcon.Conn, _ [][]byte) {
	conn.WriteInt64(s.status.Version())
}

func (s *Server) cmdPbtSave(conn redcon.Conn, args [][]byte) {
	if len(args) != 0 {
		conn.WriteError("ERR wrong number of arguments for 'pbt.save' command")
		return
	}
	s.submit(conn, Message{Type: Pbt, Task: PbtTask{Kind: SaveModel}})
}

func (s *Server) cmdPbtLoad(conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		conn.WriteError("ERR wrong number of arguments for 'pbt.load' command")
		return
	}
	policyID, err := strconv.Atoi(bytes.BytesToString(args[0]))
	if err != nil || policyID < 0 {
		conn.WriteError("ERR policy id is not a non-negative integer")
		return
	}
	s.submit(conn, Message{Type: Pbt, Task: PbtTask{Kind: LoadModel, FromPolicyID: policyID}})
}

func (s *Server) cmdPbtSet(conn redcon.Conn, args [][]byte) {
	if len(args) == 0 || len(args)%2 != 0 {
		conn.WriteError("ERR wrong number of arguments for 'pbt.set' command")
		return
	}
	delta := make(map[string]float64, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		v, err := strconv.ParseFloat(bytes.BytesToString(args[i+1]), 64)
		if err != nil {
			conn.WriteError("ERR value for '" + bytes.BytesToString(args[i]) + "' is not a valid float")
			return
		}
		delta[string(args[i])] = v
	}
	s.submit(conn, Message{Type: Pbt, Task: PbtTask{Kind: UpdateConfig, Delta: delta}})
}

// cmdShutdown signals termination. It is idempotent so operators can
// repeat it while the learner drains.
func (s *Server) cmdShutdown(conn redcon.Conn, _ [][]byte) {
	err := s.ch.Send(Message{Type: Terminate})
	if err != nil && !errors.Is(err, pkgerrors.ErrChannelClosed) {
		conn.WriteError("ERR " + err.Error())
		return
	}
	conn.WriteString("OK")
}

func (s *Server) cmdQuit(conn redcon.Conn, _ [][]byte) {
	conn.WriteString("OK")
	conn.Close()
}

func (s *Server) submit(conn redcon.Conn, msg Message) {
	if err := s.ch.Send(msg); err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	conn.WriteString("OK")
}

func toUpperInPlace(b []byte) {
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 32
		}
	}
}
