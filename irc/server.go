package irc

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/malefirc/malefirc/config"
	"github.com/malefirc/malefirc/store"
)

// Server represents an IRC server instance
type Server struct {
	sync.RWMutex
	config      *config.Config
	store       store.Store
	clients     map[string]*Client // canonical nickname -> client
	channels    map[string]*Channel
	listener    net.Listener
	tlsListener net.Listener
	shutdown    chan struct{}
	stats       *ServerStats
}

// ServerStats holds real-time server statistics
type ServerStats struct {
	sync.RWMutex
	StartTime        time.Time
	ConnectionCount  int
	MaxConnections   int
	MessagesSent     int64
	MessagesReceived int64
}

// NewServer creates an IRC server bound to cfg, persisting through st.
func NewServer(cfg *config.Config, st store.Store) *Server {
	return &Server{
		config:   cfg,
		store:    st,
		clients:  make(map[string]*Client),
		channels: make(map[string]*Channel),
		shutdown: make(chan struct{}),
		stats:    &ServerStats{StartTime: time.Now()},
	}
}

// Start starts the plain listener and, when enabled, the TLS listener.
func (s *Server) Start() error {
	if err := s.StartIRCServer(); err != nil {
		return err
	}

	if s.config.TLSEnabled {
		if err := s.StartTLSServer(); err != nil {
			s.StopIRCServer()
			return err
		}
	}

	return nil
}

// StartIRCServer starts only the plain TCP listener component.
func (s *Server) StartIRCServer() error {
	if s.listener != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.config.ListenAddr())
	if err != nil {
		return fmt.Errorf("failed to start IRC listener: %w", err)
	}
	s.listener = ln
	log.Printf("IRC server started on %s", ln.Addr())

	go s.acceptConnections(ln)
	return nil
}

// StopIRCServer stops only the plain TCP listener component.
func (s *Server) StopIRCServer() error {
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			return fmt.Errorf("error closing IRC listener: %w", err)
		}
		s.listener = nil
		log.Printf("IRC server stopped")
	}
	return nil
}

// StartTLSServer starts the TLS listener component. When no certificate is
// configured a self-signed one is generated.
func (s *Server) StartTLSServer() error {
	if s.tlsListener != nil {
		return nil
	}

	var tlsConfig *tls.Config
	if s.config.TLSCert != "" && s.config.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(s.config.TLSCert, s.config.TLSKey)
		if err != nil {
			return fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	} else {
		log.Printf("No TLS certificate configured, generating a self-signed certificate")
		cert, err := s.generateSelfSignedCert()
		if err != nil {
			return fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{*cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	// Accept raw TCP and complete the handshake ourselves so a failed
	// handshake only costs that socket.
	ln, err := net.Listen("tcp", s.config.TLSListenAddr())
	if err != nil {
		return fmt.Errorf("failed to start TLS listener: %w", err)
	}
	s.tlsListener = ln
	log.Printf("TLS IRC server started on %s", ln.Addr())

	go s.acceptTLSConnections(ln, tlsConfig)
	return nil
}

// StopTLSServer stops the TLS listener component.
func (s *Server) StopTLSServer() error {
	if s.tlsListener != nil {
		err := s.tlsListener.Close()
		s.tlsListener = nil
		if err != nil {
			return fmt.Errorf("failed to stop TLS listener: %w", err)
		}
		log.Printf("TLS IRC server stopped")
	}
	return nil
}

// Addr returns the plain listener's address, for tests binding port 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// acceptConnections accepts incoming plain TCP client connections.
func (s *Server) acceptConnections(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("Error accepting connection: %v", err)
				continue
			}
		}

		s.trackConnection()
		go s.newClient(conn).handleConnection()
	}
}

// acceptTLSConnections accepts raw sockets, completes the TLS handshake and
// only then hands the stream to a connection goroutine.
func (s *Server) acceptTLSConnections(ln net.Listener, tlsConfig *tls.Config) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("Error accepting TLS connection: %v", err)
				continue
			}
		}

		go func(raw net.Conn) {
			tlsConn := tls.Server(raw, tlsConfig)
			tlsConn.SetDeadline(time.Now().Add(10 * time.Second))
			if err := tlsConn.Handshake(); err != nil {
				log.Printf("[%s] TLS handshake failed: %v", raw.RemoteAddr(), err)
				raw.Close()
				return
			}
			tlsConn.SetDeadline(time.Time{})

			s.trackConnection()
			s.newClient(tlsConn).handleConnection()
		}(conn)
	}
}

func (s *Server) trackConnection() {
	s.stats.Lock()
	s.stats.ConnectionCount++
	if s.stats.ConnectionCount > s.stats.MaxConnections {
		s.stats.MaxConnections = s.stats.ConnectionCount
	}
	s.stats.Unlock()
}

// Stop stops the IRC server and disconnects every client.
func (s *Server) Stop() error {
	log.Printf("Stopping IRC server...")

	close(s.shutdown)

	s.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client)
	}
	s.Unlock()

	for _, client := range clients {
		client.quit("Server shutting down")
	}

	var errMsgs []string
	if err := s.StopIRCServer(); err != nil {
		errMsgs = append(errMsgs, err.Error())
	}
	if err := s.StopTLSServer(); err != nil {
		errMsgs = append(errMsgs, err.Error())
	}
	if len(errMsgs) > 0 {
		return fmt.Errorf("errors during shutdown: %s", strings.Join(errMsgs, "; "))
	}

	log.Printf("IRC server stopped completely")
	return nil
}

// canonicalNick lowercases a nickname for registry keys. Display casing is
// kept on the client.
func canonicalNick(nick string) string {
	return strings.ToLower(nick)
}

// canonicalChannel lowercases a channel name for registry keys.
func canonicalChannel(name string) string {
	return strings.ToLower(name)
}

// lookupClient finds a connected client by nickname.
func (s *Server) lookupClient(nick string) *Client {
	s.RLock()
	defer s.RUnlock()
	return s.clients[canonicalNick(nick)]
}

// claimNick atomically claims nick for c, releasing oldNick when set.
// Returns false when the nickname is owned by another connection.
func (s *Server) claimNick(c *Client, oldNick, newNick string) bool {
	s.Lock()
	defer s.Unlock()

	canon := canonicalNick(newNick)
	if owner, exists := s.clients[canon]; exists && owner != c {
		return false
	}

	if oldNick != "" {
		delete(s.clients, canonicalNick(oldNick))
	}
	s.clients[canon] = c
	return true
}

// releaseNick drops the nickname registration if c still owns it.
func (s *Server) releaseNick(c *Client, nick string) {
	if nick == "" {
		return
	}
	s.Lock()
	defer s.Unlock()
	canon := canonicalNick(nick)
	if s.clients[canon] == c {
		delete(s.clients, canon)
	}
}

// getChannel returns the channel by name, or nil.
func (s *Server) getChannel(name string) *Channel {
	s.RLock()
	defer s.RUnlock()
	return s.channels[canonicalChannel(name)]
}

// getOrCreateChannel finds or lazily creates a channel. created reports
// whether this call brought it into existence.
func (s *Server) getOrCreateChannel(name string) (channel *Channel, created bool) {
	canon := canonicalChannel(name)

	s.Lock()
	defer s.Unlock()

	if existing, ok := s.channels[canon]; ok {
		return existing, false
	}

	channel = newChannel(name)
	s.channels[canon] = channel
	return channel, true
}

// dropChannelIfEmpty destroys the channel once its last member is gone.
// Lock order is server then channel, everywhere.
func (s *Server) dropChannelIfEmpty(channel *Channel) {
	s.Lock()
	defer s.Unlock()

	channel.Lock()
	defer channel.Unlock()

	if len(channel.members) > 0 || channel.deleted {
		return
	}
	channel.deleted = true
	delete(s.channels, canonicalChannel(channel.name))
}

// listChannels snapshots the channel registry.
func (s *Server) listChannels() []*Channel {
	s.RLock()
	defer s.RUnlock()
	channels := make([]*Channel, 0, len(s.channels))
	for _, channel := range s.channels {
		channels = append(channels, channel)
	}
	return channels
}

// generateSelfSignedCert generates a self-signed certificate and key for
// the TLS listener.
func (s *Server) generateSelfSignedCert() (*tls.Certificate, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	notBefore := time.Now()
	notAfter := notBefore.Add(365 * 24 * time.Hour)

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName: s.config.ServerName,
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{s.config.ServerName},
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{derBytes},
		PrivateKey:  privateKey,
	}, nil
}

// wildcardMatch matches s against an IRC mask pattern with * and ?
// wildcards, case-insensitively.
func wildcardMatch(s, pattern string) bool {
	s = strings.ToLower(s)
	pattern = strings.ToLower(pattern)

	// Greedy match with single-star backtracking.
	var si, pi int
	star, mark := -1, 0
	for si < len(s) {
		switch {
		case pi < len(pattern) && (pattern[pi] == '?' || pattern[pi] == s[si]):
			si++
			pi++
		case pi < len(pattern) && pattern[pi] == '*':
			star = pi
			mark = si
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}
