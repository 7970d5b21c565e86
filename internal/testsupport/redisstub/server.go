// Package redisstub is a small in-process RESP server covering the key/value
// and scripting commands used by the session cache and the distributed owner
// lock. Unknown commands get an error reply and the connection stays open,
// which lets go-redis fall back from HELLO to RESP2.
package redisstub

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password string
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	kv       map[string]*kvEntry
	commands map[string]int
	closed   chan struct{}
}

type kvEntry struct {
	value  string
	expiry time.Time
}

func (e *kvEntry) expired(now time.Time) bool {
	return !e.expiry.IsZero() && !now.Before(e.expiry)
}

func Start(opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	server := &Server{
		opts:     opts,
		listener: ln,
		addr:     ln.Addr().String(),
		kv:       make(map[string]*kvEntry),
		commands: make(map[string]int),
		closed:   make(chan struct{}),
	}
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

// Keys returns the live keys currently stored.
func (s *Server) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	keys := make([]string, 0, len(s.kv))
	for key, entry := range s.kv {
		if !entry.expired(now) {
			keys = append(keys, key)
		}
	}
	return keys
}

// CommandCount reports how often a command was dispatched.
func (s *Server) CommandCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commands[strings.ToUpper(name)]
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if err := writeError(writer, "ERR wrong number of arguments"); err != nil {
				return
			}
			continue
		}
		cmd := strings.ToUpper(args[0])
		s.mu.Lock()
		s.commands[cmd]++
		s.mu.Unlock()

		var werr error
		switch cmd {
		case "PING":
			werr = writeSimpleString(writer, "PONG")
		case "HELLO":
			werr = writeError(writer, "ERR unknown command 'HELLO'")
		case "AUTH":
			password := args[len(args)-1]
			if len(args) < 2 || len(args) > 3 {
				werr = writeError(writer, "ERR wrong number of arguments for 'auth'")
			} else if s.opts.Password == "" || password == s.opts.Password {
				authenticated = true
				werr = writeSimpleString(writer, "OK")
			} else {
				werr = writeError(writer, "WRONGPASS invalid username-password pair")
			}
		case "SELECT", "CLIENT":
			werr = writeSimpleString(writer, "OK")
		default:
			if !authenticated {
				werr = writeError(writer, "NOAUTH Authentication required.")
				break
			}
			werr = s.dispatch(writer, args)
		}
		if werr != nil {
			return
		}
	}
}

func (s *Server) dispatch(writer *bufio.Writer, args []string) error {
	cmd := strings.ToUpper(args[0])
	switch cmd {
	case "GET":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'get'")
		}
		value, ok := s.get(args[1])
		if !ok {
			return writeBulkNil(writer)
		}
		return writeBulkString(writer, value)
	case "SET":
		if len(args) < 3 {
			return writeError(writer, "ERR wrong number of arguments for 'set'")
		}
		nx, ttl, err := parseSetOptions(args[3:])
		if err != nil {
			return writeError(writer, err.Error())
		}
		if !s.set(args[1], args[2], nx, ttl) {
			return writeBulkNil(writer)
		}
		return writeSimpleString(writer, "OK")
	case "DEL":
		var removed int64
		for _, key := range args[1:] {
			if s.del(key) {
				removed++
			}
		}
		return writeInteger(writer, removed)
	case "EXISTS":
		var count int64
		for _, key := range args[1:] {
			if _, ok := s.get(key); ok {
				count++
			}
		}
		return writeInteger(writer, count)
	case "INCR":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'incr'")
		}
		value, err := s.incr(args[1])
		if err != nil {
			return writeError(writer, err.Error())
		}
		return writeInteger(writer, value)
	case "EXPIRE", "PEXPIRE":
		if len(args) != 3 {
			return writeError(writer, "ERR wrong number of arguments for 'expire'")
		}
		amount, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return writeError(writer, "ERR value is not an integer or out of range")
		}
		unit := time.Second
		if cmd == "PEXPIRE" {
			unit = time.Millisecond
		}
		if s.expire(args[1], time.Duration(amount)*unit) {
			return writeInteger(writer, 1)
		}
		return writeInteger(writer, 0)
	case "TTL", "PTTL":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'ttl'")
		}
		unit := time.Second
		if cmd == "PTTL" {
			unit = time.Millisecond
		}
		return writeInteger(writer, s.ttl(args[1], unit))
	case "EVALSHA":
		return writeError(writer, "NOSCRIPT No matching script. Please use EVAL.")
	case "EVAL":
		return s.eval(writer, args)
	default:
		return writeError(writer, fmt.Sprintf("ERR unknown command '%s'", args[0]))
	}
}

func parseSetOptions(opts []string) (nx bool, ttl time.Duration, err error) {
	for i := 0; i < len(opts); i++ {
		switch strings.ToUpper(opts[i]) {
		case "NX":
			nx = true
		case "EX", "PX":
			if i+1 >= len(opts) {
				return false, 0, fmt.Errorf("ERR syntax error")
			}
			amount, perr := strconv.ParseInt(opts[i+1], 10, 64)
			if perr != nil {
				return false, 0, fmt.Errorf("ERR value is not an integer or out of range")
			}
			if strings.EqualFold(opts[i], "EX") {
				ttl = time.Duration(amount) * time.Second
			} else {
				ttl = time.Duration(amount) * time.Millisecond
			}
			i++
		default:
			return false, 0, fmt.Errorf("ERR syntax error")
		}
	}
	return nx, ttl, nil
}

// eval understands the compare-and-delete and compare-and-extend scripts
// used by lock clients. KEYS[1] is compared with ARGV[1].
func (s *Server) eval(writer *bufio.Writer, args []string) error {
	if len(args) < 3 {
		return writeError(writer, "ERR wrong number of arguments for 'eval'")
	}
	script := args[1]
	numKeys, err := strconv.Atoi(args[2])
	if err != nil || numKeys < 1 || len(args) < 3+numKeys+1 {
		return writeError(writer, "ERR unsupported script invocation")
	}
	key := args[3]
	token := args[3+numKeys]

	current, ok := s.get(key)
	switch {
	case strings.Contains(script, `"DEL"`) || strings.Contains(script, `'DEL'`):
		if !ok {
			return writeInteger(writer, -1)
		}
		if current != token {
			return writeInteger(writer, 0)
		}
		s.del(key)
		return writeInteger(writer, 1)
	case strings.Contains(strings.ToUpper(script), "PEXPIRE") || strings.Contains(strings.ToUpper(script), `"SET"`):
		if !ok || current != token {
			return writeInteger(writer, 0)
		}
		if len(args) > 4+numKeys {
			if ms, perr := strconv.ParseInt(args[4+numKeys], 10, 64); perr == nil {
				s.expire(key, time.Duration(ms)*time.Millisecond)
			}
		}
		return writeInteger(writer, 1)
	default:
		return writeError(writer, "ERR unsupported script")
	}
}

func (s *Server) get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.kv[key]
	if !ok {
		return "", false
	}
	if entry.expired(time.Now()) {
		delete(s.kv, key)
		return "", false
	}
	return entry.value, true
}

func (s *Server) set(key, value string, nx bool, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if existing, ok := s.kv[key]; ok && nx && !existing.expired(now) {
		return false
	}
	entry := &kvEntry{value: value}
	if ttl > 0 {
		entry.expiry = now.Add(ttl)
	}
	s.kv[key] = entry
	return true
}

func (s *Server) del(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.kv[key]
	if !ok {
		return false
	}
	delete(s.kv, key)
	return !entry.expired(time.Now())
}

func (s *Server) incr(key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.kv[key]
	if !ok || entry.expired(time.Now()) {
		entry = &kvEntry{value: "0"}
		s.kv[key] = entry
	}
	current, err := strconv.ParseInt(entry.value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ERR value is not an integer or out of range")
	}
	current++
	entry.value = strconv.FormatInt(current, 10)
	return current, nil
}

func (s *Server) expire(key string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.kv[key]
	if !ok || entry.expired(time.Now()) {
		return false
	}
	entry.expiry = time.Now().Add(ttl)
	return true
}

func (s *Server) ttl(key string, unit time.Duration) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.kv[key]
	if !ok || entry.expired(time.Now()) {
		return -2
	}
	if entry.expiry.IsZero() {
		return -1
	}
	return int64(time.Until(entry.expiry) / unit)
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkNil(w *bufio.Writer) error {
	if _, err := w.WriteString("$-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
