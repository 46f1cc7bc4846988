package server_test

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ndmason1/tftpsim/client"
	"github.com/ndmason1/tftpsim/server"
	"github.com/ndmason1/tftpsim/shared"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

func testLog() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	return logrus.NewEntry(logger)
}

func testConfig(root string) *shared.Config {
	cfg := shared.DefaultConfig(0)
	cfg.Root = root
	cfg.Timeout = 300 * time.Millisecond
	return cfg
}

// startServer runs a server on an ephemeral loopback port for the duration of the test
func startServer(t *testing.T, cfg *shared.Config) *server.Server {
	t.Helper()
	srv := server.NewServer(cfg, testLog())
	if err := srv.Listen(); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()
	t.Cleanup(func() {
		srv.Shutdown()
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
	})
	return srv
}

func newClient(srv *server.Server, cfg *shared.Config) *client.Client {
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: srv.Addr().Port}
	return client.NewClient(addr, cfg, testLog())
}

// eventually polls cond for up to a second
func eventually(cond func() bool) bool {
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
	return true
}

func peerCode(t *testing.T, err error) shared.ErrorCode {
	t.Helper()
	peerErr, ok := errors.Cause(err).(*shared.PeerError)
	if !ok {
		t.Fatalf("Got = %v; want a peer error", err)
	}
	return peerErr.Code()
}

func TestReadRequest(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "test.txt"), []byte("hello"), 0644)
	cfg := testConfig(root)
	srv := startServer(t, cfg)

	var sink bytes.Buffer
	if err := newClient(srv, cfg).Get("test.txt", "octet", &sink); err != nil {
		t.Fatal(err)
	}
	if sink.String() != "hello" {
		t.Errorf("Got = %q; want %q", sink.String(), "hello")
	}
	// the worker releases its lock once the final ACK arrives
	if !eventually(func() bool { return srv.Locks.Readers(filepath.Join(root, "test.txt")) == 0 }) {
		t.Error("read lock not released")
	}
}

func TestWriteRequest(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root)
	srv := startServer(t, cfg)
	content := bytes.Repeat([]byte{0, 1, 2, 3, 0xFF}, 300)

	if err := newClient(srv, cfg).Put("out.bin", "OCTET", bytes.NewReader(content)); err != nil {
		t.Fatal(err)
	}

	// the worker may still be closing the file when the final ACK arrives
	eventually(func() bool { return !srv.Locks.Writing(filepath.Join(root, "out.bin")) })
	got, err := os.ReadFile(filepath.Join(root, "out.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("Got %d bytes; want %d", len(got), len(content))
	}
}

func TestNetasciiWriteStoresLocalLineEndings(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root)
	srv := startServer(t, cfg)

	if err := newClient(srv, cfg).Put("notes.txt", "netascii", bytes.NewReader([]byte("a\nb\n"))); err != nil {
		t.Fatal(err)
	}

	eventually(func() bool { return !srv.Locks.Writing(filepath.Join(root, "notes.txt")) })
	got, err := os.ReadFile(filepath.Join(root, "notes.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "a\nb\n" {
		t.Errorf("Got = %q; want %q", got, "a\nb\n")
	}
}

// splitLineEnding is longer than one block once encoded, and its first CRLF straddles
// the boundary between blocks 1 and 2
var splitLineEnding = strings.Repeat("a", shared.BlockSize-1) + "\n" + strings.Repeat("more text\n", 80)

func TestNetasciiReadSendsWireLineEndings(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "notes.txt"), []byte(splitLineEnding), 0644)
	cfg := testConfig(root)
	srv := startServer(t, cfg)

	var local bytes.Buffer
	if err := newClient(srv, cfg).Get("notes.txt", "netascii", &local); err != nil {
		t.Fatal(err)
	}
	if local.String() != splitLineEnding {
		t.Errorf("Got %d bytes; want %d", local.Len(), len(splitLineEnding))
	}

	// the same request without decoding shows what went over the wire
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	to := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: srv.Addr().Port}
	tr := shared.NewTransfer(conn, to, false, cfg.TransferConfig())
	defer tr.Close()

	var wire bytes.Buffer
	if err := tr.Get(&wire, shared.CreateRRQWRQPacket(true, "notes.txt", shared.ModeNetASCII)); err != nil {
		t.Fatal(err)
	}
	if want := strings.ReplaceAll(splitLineEnding, "\n", "\r\n"); wire.String() != want {
		t.Errorf("Got %d wire bytes; want %d", wire.Len(), len(want))
	}
}

func TestNetasciiMultiBlockWrite(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root)
	srv := startServer(t, cfg)

	if err := newClient(srv, cfg).Put("long.txt", "netascii", strings.NewReader(splitLineEnding)); err != nil {
		t.Fatal(err)
	}

	eventually(func() bool { return !srv.Locks.Writing(filepath.Join(root, "long.txt")) })
	got, err := os.ReadFile(filepath.Join(root, "long.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != splitLineEnding {
		t.Errorf("Got %d bytes; want %d", len(got), len(splitLineEnding))
	}
}

func TestNetasciiOversizedWriteGetsDiskFull(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root)
	cfg.MaxFileSize = 10
	srv := startServer(t, cfg)

	err := newClient(srv, cfg).Put("big.txt", "netascii", bytes.NewReader(bytes.Repeat([]byte{'x'}, 100)))
	if code := peerCode(t, err); code != shared.ErrDiskFull {
		t.Errorf("Got = %v; want %v", code, shared.ErrDiskFull)
	}

	eventually(func() bool { return !srv.Locks.Writing(filepath.Join(root, "big.txt")) })
	if _, err := os.Stat(filepath.Join(root, "big.txt")); !os.IsNotExist(err) {
		t.Error("partial file left behind")
	}
}

func TestGetFileReplacesLocalFile(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "fresh.txt"), []byte("new contents"), 0644)
	cfg := testConfig(root)
	srv := startServer(t, cfg)

	dir := t.TempDir()
	local := filepath.Join(dir, "fresh.txt")
	os.WriteFile(local, []byte("stale"), 0644)

	if err := newClient(srv, cfg).GetFile("fresh.txt", local, "octet"); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(local)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "new contents" {
		t.Errorf("Got = %q; want %q", got, "new contents")
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 1 {
		t.Errorf("Got %d files; want only %s", len(entries), local)
	}
}

func TestMissingFile(t *testing.T) {
	cfg := testConfig(t.TempDir())
	srv := startServer(t, cfg)

	err := newClient(srv, cfg).Get("missing.txt", "octet", new(bytes.Buffer))
	if code := peerCode(t, err); code != shared.ErrFileNotFound {
		t.Errorf("Got = %v; want %v", code, shared.ErrFileNotFound)
	}
}

func TestExistingFileIsNotOverwritten(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "taken"), []byte("original"), 0644)
	cfg := testConfig(root)
	srv := startServer(t, cfg)

	err := newClient(srv, cfg).Put("taken", "octet", bytes.NewReader([]byte("new")))
	if code := peerCode(t, err); code != shared.ErrFileExists {
		t.Errorf("Got = %v; want %v", code, shared.ErrFileExists)
	}
	got, _ := os.ReadFile(filepath.Join(root, "taken"))
	if string(got) != "original" {
		t.Errorf("Got = %q; want %q", got, "original")
	}
}

func TestPathOutsideRootIsRefused(t *testing.T) {
	cfg := testConfig(t.TempDir())
	srv := startServer(t, cfg)

	err := newClient(srv, cfg).Get("../etc/passwd", "octet", new(bytes.Buffer))
	if code := peerCode(t, err); code != shared.ErrAccessViolation {
		t.Errorf("Got = %v; want %v", code, shared.ErrAccessViolation)
	}
}

func TestWriteWhileReadingIsRefused(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root)
	srv := startServer(t, cfg)
	path := filepath.Join(root, "busy")

	if err := srv.Locks.AcquireRead(path); err != nil {
		t.Fatal(err)
	}
	defer srv.Locks.ReleaseRead(path)

	err := newClient(srv, cfg).Put("busy", "octet", bytes.NewReader([]byte("x")))
	if code := peerCode(t, err); code != shared.ErrAccessViolation {
		t.Errorf("Got = %v; want %v", code, shared.ErrAccessViolation)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("refused write created the file")
	}
}

func TestOversizedWriteIsRemoved(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root)
	cfg.MaxFileSize = 600
	srv := startServer(t, cfg)

	err := newClient(srv, cfg).Put("big", "octet", bytes.NewReader(make([]byte, 2000)))
	if code := peerCode(t, err); code != shared.ErrDiskFull {
		t.Errorf("Got = %v; want %v", code, shared.ErrDiskFull)
	}

	eventually(func() bool { return !srv.Locks.Writing(filepath.Join(root, "big")) })
	if _, err := os.Stat(filepath.Join(root, "big")); !os.IsNotExist(err) {
		t.Error("partial file left behind")
	}
}

func TestNonRequestGetsIllegalOperation(t *testing.T) {
	cfg := testConfig(t.TempDir())
	srv := startServer(t, cfg)

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	to := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: srv.Addr().Port}
	for _, raw := range [][]byte{
		shared.CreateACKPacket(1).ByteArray(),
		shared.CreateDataPacket(1, []byte("x")).ByteArray(),
		{0xFF, 1, 'a', 0, 'o', 'c', 't', 'e', 't', 0},
	} {
		if _, err := conn.WriteToUDP(raw, to); err != nil {
			t.Fatal(err)
		}

		buf := make([]byte, shared.RequestBufferSize)
		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			t.Fatal(err)
		}
		if from.Port != srv.Addr().Port {
			t.Errorf("Got reply from port %d; want the request port %d", from.Port, srv.Addr().Port)
		}
		p, err := shared.ReadPacket(buf[:n])
		if err != nil {
			t.Fatal(err)
		}
		if e, ok := p.(*shared.ErrorPacket); !ok || e.ErrorCode != shared.ErrIllegalOperation {
			t.Errorf("Got = %s; want ERROR 4", shared.Describe(p))
		}
	}
}

func TestConcurrentReads(t *testing.T) {
	root := t.TempDir()
	content := bytes.Repeat([]byte("concurrent "), 200)
	os.WriteFile(filepath.Join(root, "shared.txt"), content, 0644)
	cfg := testConfig(root)
	srv := startServer(t, cfg)

	const clients = 8
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		go func() {
			var sink bytes.Buffer
			err := newClient(srv, cfg).Get("shared.txt", "octet", &sink)
			if err == nil && !bytes.Equal(sink.Bytes(), content) {
				err = errors.New("content mismatch")
			}
			errs <- err
		}()
	}
	for i := 0; i < clients; i++ {
		if err := <-errs; err != nil {
			t.Error(err)
		}
	}
}

func TestShutdownWaitsForWorkers(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "f"), make([]byte, 100), 0644)
	cfg := testConfig(root)
	srv := server.NewServer(cfg, testLog())
	if err := srv.Listen(); err != nil {
		t.Fatal(err)
	}
	served := make(chan error, 1)
	go func() { served <- srv.Serve() }()

	// a request that is never acknowledged keeps its worker retransmitting
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	to := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: srv.Addr().Port}
	conn.WriteToUDP(shared.CreateRRQWRQPacket(true, "f", shared.ModeOctet).ByteArray(), to)

	buf := make([]byte, shared.RequestBufferSize)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadFromUDP(buf); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	srv.Shutdown()
	if err := <-served; err != nil {
		t.Fatal(err)
	}
	// the worker gives up only after its retransmissions time out
	if elapsed := time.Since(start); elapsed < cfg.Timeout {
		t.Errorf("shutdown returned after %v, before the worker finished", elapsed)
	}
	if srv.Locks.Readers(filepath.Join(root, "f")) != 0 {
		t.Error("read lock not released")
	}
}
