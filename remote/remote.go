// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package remote implements a length-prefixed, same-host wire protocol:
// a shared-secret handshake that derives a per-session
// key, and six opcodes (open, read/write pixels, read/write indexes,
// destroy) that let a client process offload a cache to a server process
// over TCP.
//
// Go's net.Conn already retries interrupted syscalls internally, so the
// EINTR-tolerant read/write loops a C implementation needs fall out of
// plain io.ReadFull/net.Conn.Write rather than a hand-rolled retry loop.
package remote

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/slices"

	"github.com/google/uuid"

	"github.com/pixcache/pixcache/cache"
	"github.com/pixcache/pixcache/cerr"
	"github.com/pixcache/pixcache/internal/packet"
	"github.com/pixcache/pixcache/log"
	"github.com/pixcache/pixcache/policy"
	"github.com/pixcache/pixcache/registry"
	"github.com/pixcache/pixcache/rlimit"
	"github.com/pixcache/pixcache/rng"
	"github.com/pixcache/pixcache/tmpfile"
)

// Opcodes, one byte each.
const (
	opOpen         byte = 'o'
	opReadPixels   byte = 'r'
	opReadIndexes  byte = 'R'
	opWritePixels  byte = 'w'
	opWriteIndexes byte = 'W'
	opDestroy      byte = 'd'
)

var validOpcodes = []byte{opOpen, opReadPixels, opReadIndexes, opWritePixels, opWriteIndexes, opDestroy}

// DefaultPort is the port a client connects to absent cache:hosts config.
const DefaultPort = 6668

var byteOrder = binary.LittleEndian

// session is one server-side open cache, keyed in the registry by its
// session key. id is a uuid used only for log correlation, distinct from
// the session key that actually authenticates requests.
type session struct {
	id   uuid.UUID
	desc *cache.Descriptor
}

// Server accepts connections and serves the six opcodes against
// descriptors it creates on 'o'. Multiple connections may be in flight
// concurrently; each owns exactly one session, and a client is expected
// to sync before its next read of a region it just wrote.
type Server struct {
	Secret   string
	Governor rlimit.Governor
	Config   *policy.Config
	Registry *tmpfile.Registry
	Logger   log.Logger

	sessions registry.Tree
}

// NewServer builds a Server ready to Serve connections.
func NewServer(secret string, gov rlimit.Governor, cfg *policy.Config, reg *tmpfile.Registry, logger log.Logger) *Server {
	if logger == nil {
		logger = log.Discard
	}
	return &Server{Secret: secret, Governor: gov, Config: cfg, Registry: reg, Logger: logger}
}

// Serve accepts connections on ln until it returns an error (typically
// because ln was closed), handling each on its own goroutine.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handle(conn)
	}
}

// Listen opens a TCP listener on addr (or ":6668" if empty) and serves it.
// Go's net package doesn't expose the pending-connection backlog
// directly; the OS default stands in for the protocol's nominal backlog
// of 10.
func Listen(addr string, s *Server) error {
	if addr == "" {
		addr = fmt.Sprintf(":%d", DefaultPort)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return cerr.Path(fmt.Errorf("%w: %v", cerr.ErrDistributedCache, err), addr)
	}
	return s.Serve(ln)
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	nonce, err := rng.Nonce(8)
	if err != nil {
		s.Logger.Printf("remote: generating handshake nonce: %v", err)
		return
	}
	if _, err := conn.Write(nonce); err != nil {
		return
	}
	k0, k1 := rng.DeriveKeys(s.Secret)
	key := rng.SessionKey(k0, k1, nonce)
	sid := uuid.New()

	var opened *session
	defer func() {
		if opened != nil {
			s.sessions.Delete(key)
			opened.desc.Destroy()
		}
	}()

	for {
		header := make([]byte, 9)
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		op := header[0]
		reqKey := byteOrder.Uint64(header[1:9])
		if !slices.Contains(validOpcodes, op) {
			return
		}
		if reqKey != key {
			// A mismatched session key closes the connection without a response.
			return
		}
		switch op {
		case opOpen:
			d, err := s.handleOpen(conn, sid)
			if err != nil {
				conn.Write([]byte{0})
				return
			}
			opened = &session{id: sid, desc: d}
			s.sessions.Put(key, opened)
			conn.Write([]byte{1})
		case opReadPixels, opReadIndexes:
			if opened == nil || s.handleRead(conn, opened.desc, op == opReadIndexes) != nil {
				return
			}
		case opWritePixels, opWriteIndexes:
			if opened == nil || s.handleWrite(conn, opened.desc, op == opWriteIndexes) != nil {
				return
			}
		case opDestroy:
			conn.Write([]byte{1})
			return
		}
	}
}

func (s *Server) handleOpen(conn net.Conn, sid uuid.UUID) (*cache.Descriptor, error) {
	buf := make([]byte, 3+16)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	class := packet.StorageClass(buf[0])
	cs := packet.ColorSpace(buf[1])
	geom := packet.Geometry{
		Columns: int64(byteOrder.Uint64(buf[3:11])),
		Rows:    int64(byteOrder.Uint64(buf[11:19])),
	}
	d, err := cache.Acquire(1, geom, class, cs, s.Governor, s.Config, s.Registry, s.Logger)
	if err != nil {
		return nil, err
	}
	if err := d.Open(cache.ReadWriteMode); err != nil {
		s.Logger.Printf("remote: session %s: opening cache: %v", sid, err)
		return nil, err
	}
	return d, nil
}

func (s *Server) handleRead(conn net.Conn, d *cache.Descriptor, index bool) error {
	r, length, err := readRegionHeader(conn)
	if err != nil {
		return err
	}
	pixels, indexes, err := d.GetAuthentic(0, r)
	if err != nil {
		return err
	}
	data := pixels
	if index {
		data = indexes
	}
	if int64(len(data)) != length {
		return fmt.Errorf("remote: region length mismatch")
	}
	_, err = conn.Write(data)
	return err
}

func (s *Server) handleWrite(conn net.Conn, d *cache.Descriptor, index bool) error {
	r, length, err := readRegionHeader(conn)
	if err != nil {
		return err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return err
	}
	pixels, indexes, err := d.QueueAuthentic(0, r)
	if err != nil {
		return err
	}
	if index {
		copy(indexes, buf)
	} else {
		copy(pixels, buf)
	}
	if err := d.SyncAuthentic(0); err != nil {
		conn.Write([]byte{0})
		return err
	}
	_, err = conn.Write([]byte{1})
	return err
}

func writeRegionHeader(w io.Writer, r packet.Rect, length int64) error {
	buf := make([]byte, 40)
	byteOrder.PutUint64(buf[0:8], uint64(r.X))
	byteOrder.PutUint64(buf[8:16], uint64(r.Y))
	byteOrder.PutUint64(buf[16:24], uint64(r.Width))
	byteOrder.PutUint64(buf[24:32], uint64(r.Height))
	byteOrder.PutUint64(buf[32:40], uint64(length))
	_, err := w.Write(buf)
	return err
}

func readRegionHeader(r io.Reader) (packet.Rect, int64, error) {
	buf := make([]byte, 40)
	if _, err := io.ReadFull(r, buf); err != nil {
		return packet.Rect{}, 0, err
	}
	rect := packet.Rect{
		X:      int64(byteOrder.Uint64(buf[0:8])),
		Y:      int64(byteOrder.Uint64(buf[8:16])),
		Width:  int64(byteOrder.Uint64(buf[16:24])),
		Height: int64(byteOrder.Uint64(buf[24:32])),
	}
	length := int64(byteOrder.Uint64(buf[32:40]))
	return rect, length, nil
}

// Client is one remote-cache session: a single TCP connection plus the
// session key negotiated at dial time.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	key  uint64
}

// Dial connects to addr, performs the handshake against secret and
// returns a ready Client. The server's nonce arrives in the clear; the
// session key is derived locally from secret and never sent.
func Dial(addr, secret string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, cerr.Path(fmt.Errorf("%w: %v", cerr.ErrDistributedCache, err), addr)
	}
	nonce := make([]byte, 8)
	if _, err := io.ReadFull(conn, nonce); err != nil {
		conn.Close()
		return nil, cerr.Path(fmt.Errorf("%w: %v", cerr.ErrDistributedCache, err), addr)
	}
	k0, k1 := rng.DeriveKeys(secret)
	key := rng.SessionKey(k0, k1, nonce)
	return &Client{conn: conn, key: key}, nil
}

func (c *Client) header(op byte) []byte {
	buf := make([]byte, 9)
	buf[0] = op
	byteOrder.PutUint64(buf[1:9], c.key)
	return buf
}

// Open sends the 'o' opcode, opening a cache of the given shape on the
// server, and reports its one-byte success flag.
func (c *Client) Open(geom packet.Geometry, class packet.StorageClass, cs packet.ColorSpace) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := append(c.header(opOpen), byte(class), byte(cs), 0)
	field := make([]byte, 16)
	byteOrder.PutUint64(field[0:8], uint64(geom.Columns))
	byteOrder.PutUint64(field[8:16], uint64(geom.Rows))
	buf = append(buf, field...)
	if _, err := c.conn.Write(buf); err != nil {
		return cerr.Path(fmt.Errorf("%w: %v", cerr.ErrDistributedCache, err), "")
	}
	ack := make([]byte, 1)
	if _, err := io.ReadFull(c.conn, ack); err != nil {
		return cerr.Path(fmt.Errorf("%w: %v", cerr.ErrDistributedCache, err), "")
	}
	if ack[0] != 1 {
		return fmt.Errorf("%w: server refused open", cerr.ErrDistributedCache)
	}
	return nil
}

func (c *Client) read(op byte, r packet.Rect, length int64) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.conn.Write(c.header(op)); err != nil {
		return nil, cerr.Path(fmt.Errorf("%w: %v", cerr.ErrDistributedCache, err), "")
	}
	if err := writeRegionHeader(c.conn, r, length); err != nil {
		return nil, cerr.Path(fmt.Errorf("%w: %v", cerr.ErrDistributedCache, err), "")
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return nil, cerr.Path(fmt.Errorf("%w: %v", cerr.ErrDistributedCache, err), "")
	}
	return buf, nil
}

// ReadPixels issues the 'r' opcode for region r, expecting exactly length
// bytes of pixel packets back.
func (c *Client) ReadPixels(r packet.Rect, length int64) ([]byte, error) {
	return c.read(opReadPixels, r, length)
}

// ReadIndexes issues the 'R' opcode.
func (c *Client) ReadIndexes(r packet.Rect, length int64) ([]byte, error) {
	return c.read(opReadIndexes, r, length)
}

func (c *Client) write(op byte, r packet.Rect, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.conn.Write(c.header(op)); err != nil {
		return cerr.Path(fmt.Errorf("%w: %v", cerr.ErrDistributedCache, err), "")
	}
	if err := writeRegionHeader(c.conn, r, int64(len(data))); err != nil {
		return cerr.Path(fmt.Errorf("%w: %v", cerr.ErrDistributedCache, err), "")
	}
	if _, err := c.conn.Write(data); err != nil {
		return cerr.Path(fmt.Errorf("%w: %v", cerr.ErrDistributedCache, err), "")
	}
	ack := make([]byte, 1)
	if _, err := io.ReadFull(c.conn, ack); err != nil {
		return cerr.Path(fmt.Errorf("%w: %v", cerr.ErrDistributedCache, err), "")
	}
	if ack[0] != 1 {
		return fmt.Errorf("%w: server reported sync failure", cerr.ErrDistributedCache)
	}
	return nil
}

// WritePixels issues the 'w' opcode.
func (c *Client) WritePixels(r packet.Rect, data []byte) error {
	return c.write(opWritePixels, r, data)
}

// WriteIndexes issues the 'W' opcode.
func (c *Client) WriteIndexes(r packet.Rect, data []byte) error {
	return c.write(opWriteIndexes, r, data)
}

// Destroy issues the 'd' opcode and closes the connection.
func (c *Client) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.conn.Close()
	if _, err := c.conn.Write(c.header(opDestroy)); err != nil {
		return cerr.Path(fmt.Errorf("%w: %v", cerr.ErrDistributedCache, err), "")
	}
	ack := make([]byte, 1)
	io.ReadFull(c.conn, ack)
	return nil
}

// HostSelector round-robins across the configured cache:hosts list for
// client-side peer selection.
type HostSelector struct {
	hosts []string
	next  uint64
}

// NewHostSelector builds a selector from cfg.Hosts(), which already
// defaults to 127.0.0.1:6668 when cache:hosts is unset.
func NewHostSelector(cfg *policy.Config) *HostSelector {
	return &HostSelector{hosts: cfg.Hosts()}
}

// Next returns the next host in round-robin order.
func (h *HostSelector) Next() string {
	i := atomic.AddUint64(&h.next, 1) - 1
	return h.hosts[i%uint64(len(h.hosts))]
}
