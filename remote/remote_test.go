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

package remote

import (
	"net"
	"sync"
	"testing"

	"github.com/pixcache/pixcache/internal/packet"
	"github.com/pixcache/pixcache/policy"
	"github.com/pixcache/pixcache/rlimit"
	"github.com/pixcache/pixcache/tmpfile"
)

type testLogger struct {
	mu  sync.Mutex
	out testing.TB
}

func (t *testLogger) Printf(f string, args ...interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.out.Logf(f, args...)
}

// TestScenarioS6RemoteRoundTrip is scenario S6: open a 100x100 Direct
// cache over loopback, write a region, read it back inverted, then
// confirm the server applied the inversion.
func TestScenarioS6RemoteRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	cfg := policy.DefaultConfig()
	cfg.TemporaryPath = t.TempDir()
	const secret = "test-shared-secret"
	srv := NewServer(secret, rlimit.New(&cfg), &cfg, tmpfile.NewRegistry(), &testLogger{out: t})
	go srv.Serve(ln)

	c, err := Dial(ln.Addr().String(), secret)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Destroy()

	geom := packet.Geometry{Columns: 100, Rows: 100}
	if err := c.Open(geom, packet.DirectClass, packet.RGBColorSpace); err != nil {
		t.Fatalf("Open: %v", err)
	}

	region := packet.Rect{X: 10, Y: 10, Width: 20, Height: 20}
	length := region.Width * region.Height * int64(packet.PixelSize)

	original := make([]byte, length)
	for i := range original {
		original[i] = byte(i * 7)
	}
	if err := c.WritePixels(region, original); err != nil {
		t.Fatalf("WritePixels: %v", err)
	}

	got, err := c.ReadPixels(region, length)
	if err != nil {
		t.Fatalf("ReadPixels: %v", err)
	}
	if string(got) != string(original) {
		t.Fatal("read-back does not match the written content")
	}

	inverted := make([]byte, length)
	for i, b := range got {
		inverted[i] = ^b
	}
	if err := c.WritePixels(region, inverted); err != nil {
		t.Fatalf("WritePixels (inverted): %v", err)
	}
	final, err := c.ReadPixels(region, length)
	if err != nil {
		t.Fatalf("ReadPixels (final): %v", err)
	}
	for i, b := range final {
		if b != ^original[i] {
			t.Fatalf("byte %d = %#x, want inversion %#x", i, b, ^original[i])
		}
	}
}

// TestHandshakeRejectsWrongSecret confirms a client deriving a session key
// from the wrong shared secret gets its requests silently dropped: a
// mismatched session key closes the connection without a response.
func TestHandshakeRejectsWrongSecret(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	cfg := policy.DefaultConfig()
	cfg.TemporaryPath = t.TempDir()
	srv := NewServer("correct-secret", rlimit.New(&cfg), &cfg, tmpfile.NewRegistry(), &testLogger{out: t})
	go srv.Serve(ln)

	c, err := Dial(ln.Addr().String(), "wrong-secret")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.conn.Close()

	err = c.Open(packet.Geometry{Columns: 4, Rows: 4}, packet.DirectClass, packet.RGBColorSpace)
	if err == nil {
		t.Fatal("expected Open with a wrong secret to fail")
	}
}

// TestHostSelectorRoundRobin checks the client-side peer selection policy.
func TestHostSelectorRoundRobin(t *testing.T) {
	cfg := policy.DefaultConfig()
	cfg.CacheHosts = "a:1,b:2,c:3"
	sel := NewHostSelector(&cfg)
	seen := []string{sel.Next(), sel.Next(), sel.Next(), sel.Next()}
	want := []string{"a:1", "b:2", "c:3", "a:1"}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("Next() sequence = %v, want %v", seen, want)
		}
	}
}

func TestHostSelectorDefault(t *testing.T) {
	cfg := policy.DefaultConfig()
	sel := NewHostSelector(&cfg)
	if got := sel.Next(); got != "127.0.0.1:6668" {
		t.Fatalf("default host = %q, want 127.0.0.1:6668", got)
	}
}
