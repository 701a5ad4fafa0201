// Package store implements the Store node state machine: client request
// handling (STORE, LOAD_DATA) and Controller request handling (LIST,
// REMOVE) over the line-oriented control channel.
//
// Three Store-local additions never change the client-visible wire
// behaviour: optional at-rest compression (pierrec/lz4/v3), an integrity
// checksum on stored bytes (OneOfOne/xxhash), and fast directory
// enumeration for LIST (karrick/godirwalk).
package store

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/karrick/godirwalk"
	lz4 "github.com/pierrec/lz4/v3"

	"github.com/nvanstrum/distfs/internal/cmn/nlog"
	"github.com/nvanstrum/distfs/internal/metrics"
	"github.com/nvanstrum/distfs/internal/proto"
)

// Config bundles a Store's four startup parameters.
type Config struct {
	Port           int
	ControllerPort int
	Timeout        time.Duration
	Folder         string

	// Compress enables transparent at-rest lz4 compression. Not part of the
	// spec's four positional parameters; defaulted off.
	Compress bool
}

// Store is one storage node.
type Store struct {
	cfg     Config
	metrics *metrics.Store

	ctrl   net.Conn
	ctrlW  *proto.Writer
	ctrlWMu sync.Mutex

	sumsMu sync.Mutex
	sums   map[string]uint32 // name -> xxhash32 of plaintext bytes, store-time
}

func New(cfg Config, m *metrics.Store) *Store {
	return &Store{cfg: cfg, metrics: m, sums: make(map[string]uint32)}
}

// Run cleans the local folder (fresh-start semantics), joins the
// Controller, and serves client connections on cfg.Port until the listener
// fails. It blocks. Losing the control connection ends only the control
// reader; client connections are still accepted.
func (s *Store) Run() error {
	if err := s.resetFolder(); err != nil {
		return err
	}
	conn, err := net.Dial("tcp", net.JoinHostPort("", strconv.Itoa(s.cfg.ControllerPort)))
	if err != nil {
		return err
	}
	s.ctrl = conn
	s.ctrlW = proto.NewWriter(conn)
	if err := s.sendCtrl(proto.Join, s.cfg.Port); err != nil {
		return err
	}
	nlog.Infof("store: joined controller on port %d as %d", s.cfg.ControllerPort, s.cfg.Port)

	go s.serveControl(proto.NewReader(conn))

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return err
	}
	nlog.Infof("store: listening on %d", s.cfg.Port)
	for {
		c, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleClient(c)
	}
}

func (s *Store) sendCtrl(verb proto.Verb, args ...any) error {
	s.ctrlWMu.Lock()
	defer s.ctrlWMu.Unlock()
	return s.ctrlW.WriteMsg(verb, args...)
}

func (s *Store) resetFolder() error {
	if err := os.MkdirAll(s.cfg.Folder, 0o755); err != nil {
		return err
	}
	names, err := godirwalk.ReadDirnames(s.cfg.Folder, nil)
	if err != nil {
		return err
	}
	for _, n := range names {
		_ = os.Remove(filepath.Join(s.cfg.Folder, n))
	}
	return nil
}

// serveControl reads line-framed commands from the Controller for the
// lifetime of the control connection. A polling read loop with a
// no-op wakeup on timeout would be one alternative way to let this
// goroutine periodically observe cancellation; this Store instead reads to
// completion, relying on a closed connection to unblock it.
func (s *Store) serveControl(r *proto.Reader) {
	for {
		msg, err := r.ReadMsg()
		if err != nil {
			nlog.Warningf("store: control channel closed: %v", err)
			return
		}
		switch msg.Verb {
		case proto.List:
			s.handleList()
		case proto.Remove:
			s.handleRemove(msg.Arg(0))
		case "":
			// blank line, ignore
		default:
			nlog.Warningf("store: unknown control command %q", msg.Verb)
		}
	}
}

func (s *Store) handleList() {
	names, err := godirwalk.ReadDirnames(s.cfg.Folder, nil)
	if err != nil {
		nlog.Errorf("store: list folder: %v", err)
		names = nil
	}
	args := make([]any, len(names))
	for i, n := range names {
		args[i] = n
	}
	if err := s.sendCtrl(proto.List, args...); err != nil {
		nlog.Warningf("store: reply to LIST: %v", err)
	}
}

func (s *Store) handleRemove(name string) {
	path := filepath.Join(s.cfg.Folder, name)
	err := os.Remove(path)
	s.sumsMu.Lock()
	delete(s.sums, name)
	s.sumsMu.Unlock()
	if err != nil {
		if sendErr := s.sendCtrl(proto.ErrFileNotFound, name); sendErr != nil {
			nlog.Warningf("store: reply to REMOVE %s: %v", name, sendErr)
		}
		return
	}
	if sendErr := s.sendCtrl(proto.RemoveAck, name); sendErr != nil {
		nlog.Warningf("store: reply to REMOVE %s: %v", name, sendErr)
	}
}

// handleClient serves exactly one request on conn: each client connection
// carries exactly one STORE or LOAD_DATA.
func (s *Store) handleClient(conn net.Conn) {
	defer conn.Close()
	r := proto.NewReader(conn)
	msg, err := r.ReadMsg()
	if err != nil {
		return
	}
	switch msg.Verb {
	case proto.Store:
		s.handleStore(conn, r, msg)
	case proto.LoadData:
		s.handleLoadData(conn, msg.Arg(0))
	default:
		nlog.Warningf("store: unexpected client command %q", msg.Verb)
	}
}

func (s *Store) handleStore(conn net.Conn, r *proto.Reader, msg proto.Msg) {
	name := msg.Arg(0)
	size, err := msg.ArgInt(1)
	if err != nil || name == "" {
		nlog.Warningf("store: malformed STORE: %v", msg.Args)
		return
	}
	w := proto.NewWriter(conn)
	if err := w.WriteMsg(proto.Ack); err != nil {
		return
	}
	sum, err := s.receiveFile(name, int64(size), r.Raw())
	if err != nil {
		nlog.Errorf("store: receiving %s: %v", name, err)
		return
	}
	s.sumsMu.Lock()
	s.sums[name] = sum
	s.sumsMu.Unlock()
	s.metrics.FilesStored.Inc()
	if err := s.sendCtrl(proto.StoreAck, name); err != nil {
		nlog.Warningf("store: STORE_ACK %s: %v", name, err)
	}
}

func (s *Store) receiveFile(name string, size int64, r io.Reader) (uint32, error) {
	path := filepath.Join(s.cfg.Folder, name)
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var w io.Writer = f
	var lzw *lz4.Writer
	if s.cfg.Compress {
		lzw = lz4.NewWriter(f)
		w = lzw
	}
	h := xxhash.New32()
	mw := io.MultiWriter(w, h)
	n, err := io.CopyN(mw, r, size)
	if lzw != nil {
		if cerr := lzw.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		return 0, err
	}
	s.metrics.BytesStored.Add(float64(n))
	return h.Sum32(), nil
}

func (s *Store) handleLoadData(conn net.Conn, name string) {
	path := filepath.Join(s.cfg.Folder, name)
	f, err := os.Open(path)
	if err != nil {
		return // missing file: close without reply
	}
	defer f.Close()

	var r io.Reader = f
	if s.cfg.Compress {
		r = lz4.NewReader(f)
	}
	h := xxhash.New32()
	n, err := io.Copy(conn, io.TeeReader(r, h))
	if err != nil {
		nlog.Warningf("store: serving %s: %v", name, err)
		return
	}
	s.metrics.BytesServed.Add(float64(n))
	s.checkIntegrity(name, h.Sum32())
}

func (s *Store) checkIntegrity(name string, got uint32) {
	s.sumsMu.Lock()
	want, ok := s.sums[name]
	s.sumsMu.Unlock()
	if ok && want != got {
		s.metrics.Corruptions.Inc()
		nlog.Warningf("store: checksum mismatch for %s: want %x got %x", name, want, got)
	}
}
