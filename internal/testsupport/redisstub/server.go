// Package redisstub runs a small in-process RESP server covering the string
// commands used by the Redis-backed lock table and rate limiter, plus Lua
// scripts that tests register with a Go rendition.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
	// Scripts maps Lua source to a Go rendition that EVAL and EVALSHA run
	// while holding the keyspace lock.
	Scripts map[string]ScriptFunc
}

// ScriptFunc emulates a Lua script. It returns the integer reply.
type ScriptFunc func(kv *Keyspace, keys, args []string) (int64, error)

// Keyspace is the view of the store handed to a ScriptFunc. Calls made
// through it happen atomically with respect to other clients.
type Keyspace struct {
	s *Server
}

func (k *Keyspace) Get(key string) (string, bool) {
	entry := k.s.lookupLocked(key)
	if entry == nil {
		return "", false
	}
	return entry.value, true
}

func (k *Keyspace) Set(key, value string, ttl time.Duration) {
	entry := &kvEntry{value: value}
	if ttl > 0 {
		entry.expiry = k.s.nowLocked().Add(ttl)
	}
	k.s.kv[key] = entry
}

func (k *Keyspace) Expire(key string, ttl time.Duration) bool {
	entry := k.s.lookupLocked(key)
	if entry == nil {
		return false
	}
	entry.expiry = k.s.nowLocked().Add(ttl)
	return true
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	kv       map[string]*kvEntry
	offset   time.Duration
	commands map[string]int
	scripts  map[string]ScriptFunc
	loaded   map[string]bool
	closed   chan struct{}
	tlsCert  tls.Certificate
	certPEM  []byte
	keyPEM   []byte
}

type kvEntry struct {
	value  string
	expiry time.Time
}

func (e *kvEntry) expired(now time.Time) bool {
	return !e.expiry.IsZero() && !now.Before(e.expiry)
}

func Start(opts Options) (*Server, error) {
	var ln net.Listener
	var err error
	server := &Server{
		opts:     opts,
		kv:       make(map[string]*kvEntry),
		commands: make(map[string]int),
		scripts:  make(map[string]ScriptFunc),
		loaded:   make(map[string]bool),
		closed:   make(chan struct{}),
	}
	for src, fn := range opts.Scripts {
		server.scripts[scriptSHA(src)] = fn
	}
	addr := "127.0.0.1:0"
	if opts.EnableTLS {
		certPEM, keyPEM, cert, err := generateSelfSignedCert()
		if err != nil {
			return nil, err
		}
		server.tlsCert = cert
		server.certPEM = certPEM
		server.keyPEM = keyPEM
		tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
		ln, err = tls.Listen("tcp", addr, tlsCfg)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) CertPEM() []byte {
	return s.certPEM
}

func (s *Server) KeyPEM() []byte {
	return s.keyPEM
}

// Advance moves the server clock forward so tests can expire keys without
// sleeping.
func (s *Server) Advance(d time.Duration) {
	s.mu.Lock()
	s.offset += d
	s.mu.Unlock()
}

// Value returns the live value stored at key.
func (s *Server) Value(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.lookupLocked(key)
	if entry == nil {
		return "", false
	}
	return entry.value, true
}

// Calls reports how many times a command was received.
func (s *Server) Calls(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commands[strings.ToUpper(cmd)]
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
			// Clients fall back to RESP2 on an error reply.
			werr = writeError(writer, "ERR unknown command 'HELLO'")
		case "CLIENT", "SELECT":
			werr = writeSimpleString(writer, "OK")
		case "AUTH":
			var ok bool
			ok, werr = s.handleAuth(writer, args)
			if ok {
				authenticated = true
			}
		default:
			if !authenticated {
				werr = writeError(writer, "NOAUTH Authentication required.")
				break
			}
			werr = s.dispatch(writer, cmd, args[1:])
		}
		if werr != nil {
			return
		}
	}
}

func (s *Server) handleAuth(writer *bufio.Writer, args []string) (bool, error) {
	var password string
	switch len(args) {
	case 2:
		password = args[1]
	case 3:
		password = args[2]
	default:
		return false, writeError(writer, "ERR wrong number of arguments for 'auth'")
	}
	if s.opts.Password != "" && password != s.opts.Password {
		return false, writeError(writer, "WRONGPASS invalid username-password pair")
	}
	return true, writeSimpleString(writer, "OK")
}

func (s *Server) dispatch(writer *bufio.Writer, cmd string, args []string) error {
	switch cmd {
	case "GET":
		if len(args) != 1 {
			return writeError(writer, "ERR wrong number of arguments for 'get'")
		}
		value, ok := s.Value(args[0])
		if !ok {
			return writeBulkNil(writer)
		}
		return writeBulkString(writer, value)
	case "SET":
		return s.handleSet(writer, args)
	case "DEL":
		if len(args) == 0 {
			return writeError(writer, "ERR wrong number of arguments for 'del'")
		}
		return writeInteger(writer, s.del(args))
	case "INCR":
		if len(args) != 1 {
			return writeError(writer, "ERR wrong number of arguments for 'incr'")
		}
		value, err := s.incr(args[0])
		if err != nil {
			return writeError(writer, err.Error())
		}
		return writeInteger(writer, value)
	case "EXPIRE", "PEXPIRE":
		if len(args) < 2 {
			return writeError(writer, "ERR wrong number of arguments for '"+strings.ToLower(cmd)+"'")
		}
		amount, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return writeError(writer, "ERR value is not an integer or out of range")
		}
		unit := time.Second
		if cmd == "PEXPIRE" {
			unit = time.Millisecond
		}
		if s.expire(args[0], time.Duration(amount)*unit) {
			return writeInteger(writer, 1)
		}
		return writeInteger(writer, 0)
	case "TTL", "PTTL":
		if len(args) != 1 {
			return writeError(writer, "ERR wrong number of arguments for '"+strings.ToLower(cmd)+"'")
		}
		unit := time.Second
		if cmd == "PTTL" {
			unit = time.Millisecond
		}
		return writeInteger(writer, s.ttl(args[0], unit))
	case "EVAL", "EVALSHA":
		return s.handleEval(writer, cmd, args)
	case "FLUSHALL", "FLUSHDB":
		s.mu.Lock()
		s.kv = make(map[string]*kvEntry)
		s.mu.Unlock()
		return writeSimpleString(writer, "OK")
	default:
		return writeError(writer, fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(cmd)))
	}
}

func (s *Server) handleSet(writer *bufio.Writer, args []string) error {
	if len(args) < 2 {
		return writeError(writer, "ERR wrong number of arguments for 'set'")
	}
	key, value := args[0], args[1]
	var nx, xx, keepTTL bool
	var ttl time.Duration
	for i := 2; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "NX":
			nx = true
		case "XX":
			xx = true
		case "KEEPTTL":
			keepTTL = true
		case "EX", "PX":
			if i+1 >= len(args) {
				return writeError(writer, "ERR syntax error")
			}
			amount, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil || amount <= 0 {
				return writeError(writer, "ERR invalid expire time in 'set' command")
			}
			unit := time.Second
			if strings.EqualFold(args[i], "PX") {
				unit = time.Millisecond
			}
			ttl = time.Duration(amount) * unit
			i++
		default:
			return writeError(writer, "ERR syntax error")
		}
	}

	s.mu.Lock()
	existing := s.lookupLocked(key)
	if (nx && existing != nil) || (xx && existing == nil) {
		s.mu.Unlock()
		return writeBulkNil(writer)
	}
	entry := &kvEntry{value: value}
	switch {
	case ttl > 0:
		entry.expiry = s.nowLocked().Add(ttl)
	case keepTTL && existing != nil:
		entry.expiry = existing.expiry
	}
	s.kv[key] = entry
	s.mu.Unlock()
	return writeSimpleString(writer, "OK")
}

func (s *Server) handleEval(writer *bufio.Writer, cmd string, args []string) error {
	if len(args) < 2 {
		return writeError(writer, "ERR wrong number of arguments for '"+strings.ToLower(cmd)+"'")
	}
	sha := args[0]
	if cmd == "EVAL" {
		sha = scriptSHA(args[0])
	}
	numKeys, err := strconv.Atoi(args[1])
	if err != nil || numKeys < 0 || numKeys > len(args)-2 {
		return writeError(writer, "ERR Number of keys can't be greater than number of args")
	}

	s.mu.Lock()
	fn, known := s.scripts[sha]
	if cmd == "EVALSHA" && !s.loaded[sha] {
		s.mu.Unlock()
		return writeError(writer, "NOSCRIPT No matching script. Please use EVAL.")
	}
	if !known {
		s.mu.Unlock()
		return writeError(writer, "ERR script not supported by redisstub")
	}
	s.loaded[sha] = true
	result, err := fn(&Keyspace{s: s}, args[2:2+numKeys], args[2+numKeys:])
	s.mu.Unlock()
	if err != nil {
		return writeError(writer, err.Error())
	}
	return writeInteger(writer, result)
}

func scriptSHA(src string) string {
	sum := sha1.Sum([]byte(src))
	return hex.EncodeToString(sum[:])
}

func (s *Server) nowLocked() time.Time {
	return time.Now().Add(s.offset)
}

func (s *Server) lookupLocked(key string) *kvEntry {
	entry := s.kv[key]
	if entry == nil {
		return nil
	}
	if entry.expired(s.nowLocked()) {
		delete(s.kv, key)
		return nil
	}
	return entry
}

func (s *Server) del(keys []string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for _, key := range keys {
		if s.lookupLocked(key) != nil {
			delete(s.kv, key)
			removed++
		}
	}
	return removed
}

func (s *Server) incr(key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.lookupLocked(key)
	if entry == nil {
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
	entry := s.lookupLocked(key)
	if entry == nil {
		return false
	}
	if ttl <= 0 {
		delete(s.kv, key)
		return true
	}
	entry.expiry = s.nowLocked().Add(ttl)
	return true
}

func (s *Server) ttl(key string, unit time.Duration) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.lookupLocked(key)
	if entry == nil {
		return -2
	}
	if entry.expiry.IsZero() {
		return -1
	}
	return int64(entry.expiry.Sub(s.nowLocked()) / unit)
}

func generateSelfSignedCert() ([]byte, []byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}
	tmpl.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	return certPEM, keyPEM, cert, nil
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
