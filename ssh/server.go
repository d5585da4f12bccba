// Package ssh serves the scanlink console over SSH. Every session gets its
// own terminal UI on top of the shared engine.
package ssh

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/gdamore/tcell/v2/terminfo"
	gossh "golang.org/x/crypto/ssh"

	"scanlink/engine"
	"scanlink/logging"
	"scanlink/tui"
)

// Config holds SSH server configuration.
type Config struct {
	Host           string
	Port           int
	Password       string
	AuthorizedKeys string // file or directory
	HostKeyPath    string
	Users          UserLookup
}

// Session is one SSH session channel.
type Session struct {
	channel gossh.Channel
	conn    *gossh.ServerConn
	pty     *ptyRequest
	tty     *ChannelTty
	closeMu sync.Mutex
	closed  bool
}

// RemoteAddr returns the remote address of the session.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Close sends exit-status 0 and closes the channel.
func (s *Session) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.tty != nil {
		s.tty.Stop()
	}
	s.channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
	s.channel.CloseWrite()
	return s.channel.Close()
}

type window struct {
	Width  int
	Height int
}

type ptyRequest struct {
	Term   string
	Width  uint32
	Height uint32
}

// Server accepts SSH connections and runs a console per session.
type Server struct {
	config     *Config
	engine     *engine.Engine
	sshConfig  *gossh.ServerConfig
	listener   net.Listener
	sessions   map[*Session]struct{}
	sessionsMu sync.RWMutex
	running    bool
	mu         sync.Mutex
	stopChan   chan struct{}

	onSessionConnect    func(remoteAddr string)
	onSessionDisconnect func(remoteAddr string)
}

// NewServer creates a console server for eng.
func NewServer(config *Config, eng *engine.Engine) *Server {
	return &Server{
		config:   config,
		engine:   eng,
		sessions: make(map[*Session]struct{}),
		stopChan: make(chan struct{}),
	}
}

// SetOnSessionConnect sets a callback for when a session connects.
func (s *Server) SetOnSessionConnect(fn func(remoteAddr string)) {
	s.onSessionConnect = fn
}

// SetOnSessionDisconnect sets a callback for when a session disconnects.
func (s *Server) SetOnSessionDisconnect(fn func(remoteAddr string)) {
	s.onSessionDisconnect = fn
}

// Start loads the host key and begins accepting connections. At least one
// authentication method must be configured.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server already running")
	}

	hostKey, err := LoadOrCreateHostKey(s.config.HostKeyPath)
	if err != nil {
		return fmt.Errorf("failed to get host key: %w", err)
	}

	sc := &gossh.ServerConfig{}
	sc.AddHostKey(hostKey)
	hasAuth := false
	if cb := passwordCallback(s.config.Password, s.config.Users); cb != nil {
		sc.PasswordCallback = cb
		hasAuth = true
	}
	if cb := publicKeyCallback(s.config.AuthorizedKeys); cb != nil {
		sc.PublicKeyCallback = cb
		hasAuth = true
	}
	if !hasAuth {
		return fmt.Errorf("no authentication method configured")
	}
	s.sshConfig = sc

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.running = true
	s.stopChan = make(chan struct{})

	debugLog("Server started on %s", listener.Addr())
	go s.acceptLoop(listener, s.stopChan)
	return nil
}

// Address returns the listening address, or "" when stopped.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) acceptLoop(listener net.Listener, stop <-chan struct{}) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-stop:
				return
			default:
				debugLog("Accept error: %v", err)
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	sshConn, chans, reqs, err := gossh.NewServerConn(conn, s.sshConfig)
	if err != nil {
		debugLog("SSH handshake failed from %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	logging.DebugConnectSuccess("ssh", sshConn.RemoteAddr().String(), "user "+sshConn.User())

	go gossh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(gossh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			debugLog("Could not accept channel: %v", err)
			continue
		}
		go s.handleSession(sshConn, channel, requests)
	}
}

// handleSession serves pty-req, shell and window-change requests. The
// console starts once both a pty and a shell were requested.
func (s *Server) handleSession(conn *gossh.ServerConn, channel gossh.Channel, requests <-chan *gossh.Request) {
	session := &Session{channel: channel, conn: conn}
	remoteAddr := conn.RemoteAddr().String()
	started := false

	for req := range requests {
		switch req.Type {
		case "pty-req":
			pty, err := parsePtyRequest(req.Payload)
			if err != nil {
				debugLog("Invalid pty-req from %s: %v", remoteAddr, err)
				replyIf(req, false)
				continue
			}
			session.pty = pty
			replyIf(req, true)

		case "shell":
			if session.pty == nil {
				channel.Write([]byte("scanlink: a terminal is required (use ssh -t)\r\n"))
				replyIf(req, false)
				continue
			}
			replyIf(req, true)
			if !started {
				started = true
				session.tty = NewChannelTty(channel, session.pty.Term, int(session.pty.Width), int(session.pty.Height))
				go s.runSession(session)
			}

		case "window-change":
			win, err := parseWindowChange(req.Payload)
			if err != nil {
				debugLog("Invalid window-change from %s: %v", remoteAddr, err)
				continue
			}
			if session.tty != nil {
				session.tty.Resize(win.Width, win.Height)
			}

		case "env":
			replyIf(req, true)

		default:
			debugLog("Unknown request type %s from %s", req.Type, remoteAddr)
			replyIf(req, false)
		}
	}

	session.Close()
}

func replyIf(req *gossh.Request, ok bool) {
	if req.WantReply {
		req.Reply(ok, nil)
	}
}

// runSession runs an independent console until the user leaves or the
// channel closes.
func (s *Server) runSession(session *Session) {
	remoteAddr := session.RemoteAddr().String()
	tty := session.tty
	debugLog("Session started from %s (term=%s, size=%dx%d)",
		remoteAddr, tty.Term(), session.pty.Width, session.pty.Height)

	s.sessionsMu.Lock()
	s.sessions[session] = struct{}{}
	s.sessionsMu.Unlock()
	if s.onSessionConnect != nil {
		s.onSessionConnect(remoteAddr)
	}

	screen, err := screenForTty(tty)
	if err != nil {
		debugLog("Failed to create screen for %s: %v", remoteAddr, err)
		s.cleanupSession(session, remoteAddr)
		return
	}

	app := tui.NewAppWithScreen(s.engine, screen)

	// Fini cannot run from the key handler, so the restore sequences are
	// written directly before the channel closes under the input reader.
	finalized := false
	app.SetOnDisconnect(func() {
		finalized = true
		session.channel.Write([]byte("\x1b[?1049l\x1b[?25h\x1b[0m"))
		tty.Close()
	})

	if err := app.Run(); err != nil {
		debugLog("Console error for %s: %v", remoteAddr, err)
	}

	app.Shutdown()
	if !finalized {
		screen.Fini()
	}
	session.conn.Close()
	s.cleanupSession(session, remoteAddr)
}

func (s *Server) cleanupSession(session *Session, remoteAddr string) {
	s.sessionsMu.Lock()
	delete(s.sessions, session)
	s.sessionsMu.Unlock()

	if s.onSessionDisconnect != nil {
		s.onSessionDisconnect(remoteAddr)
	}
	session.Close()
	logging.DebugDisconnect("ssh", remoteAddr, "session ended")
}

// parsePtyRequest decodes string term, uint32 width, uint32 height and the
// pixel sizes. Terminal modes are ignored.
func parsePtyRequest(payload []byte) (*ptyRequest, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("payload too short")
	}
	termLen := binary.BigEndian.Uint32(payload[0:4])
	if uint64(len(payload)) < 4+uint64(termLen)+16 {
		return nil, fmt.Errorf("payload too short for term")
	}
	off := 4 + termLen
	return &ptyRequest{
		Term:   string(payload[4:off]),
		Width:  binary.BigEndian.Uint32(payload[off : off+4]),
		Height: binary.BigEndian.Uint32(payload[off+4 : off+8]),
	}, nil
}

// parseWindowChange decodes uint32 width and height, ignoring pixel sizes.
func parseWindowChange(payload []byte) (window, error) {
	if len(payload) < 8 {
		return window{}, fmt.Errorf("payload too short")
	}
	return window{
		Width:  int(binary.BigEndian.Uint32(payload[0:4])),
		Height: int(binary.BigEndian.Uint32(payload[4:8])),
	}, nil
}

// screenForTty looks up terminfo for the client's terminal, falling back to
// xterm-256color and then xterm.
func screenForTty(tty *ChannelTty) (tcell.Screen, error) {
	var ti *terminfo.Terminfo
	var err error
	for _, term := range []string{tty.Term(), "xterm-256color", "xterm"} {
		if ti, err = terminfo.LookupTerminfo(term); err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find terminfo: %w", err)
	}
	return tcell.NewTerminfoScreenFromTtyTerminfo(tty, ti)
}

// Stop closes the listener and every session.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopChan)
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()

	s.DisconnectAllSessions()
	if listener != nil {
		return listener.Close()
	}
	return nil
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SessionCount returns the number of active sessions.
func (s *Server) SessionCount() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}

// DisconnectAllSessions closes every session without waiting.
func (s *Server) DisconnectAllSessions() {
	s.sessionsMu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.sessionsMu.RUnlock()

	for _, session := range sessions {
		go session.Close()
	}
	if len(sessions) > 0 {
		debugLog("Disconnecting %d session(s)", len(sessions))
	}
}

func debugLog(format string, args ...interface{}) {
	logging.DebugLog("ssh", format, args...)
}
