//go:build unix

package reqresp

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
	"testing"
	"time"
)

// createTestTCPPair creates a connected pair of TCP connections for testing
func createTestTCPPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()

	clientChan := make(chan *net.TCPConn, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
		if err != nil {
			errChan <- err
			return
		}
		clientChan <- conn
	}()

	serverConn, err := listener.AcceptTCP()
	if err != nil {
		t.Fatalf("failed to accept: %v", err)
	}

	select {
	case clientConn := <-clientChan:
		return serverConn, clientConn
	case err := <-errChan:
		serverConn.Close()
		t.Fatalf("client dial failed: %v", err)
		return nil, nil
	case <-time.After(5 * time.Second):
		serverConn.Close()
		t.Fatal("timeout waiting for client connection")
		return nil, nil
	}
}

// readSome retries a non-blocking read until it returns data or fails.
func readSome(t *testing.T, s Socket, p []byte) (int, error) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		n, err := s.Read(p)
		if !errors.Is(err, ErrWouldBlock) {
			return n, err
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timeout waiting for data")
	return 0, nil
}

func TestTCPSocket_ReadWouldBlock(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	sock, err := newTCPSocket(serverConn)
	if err != nil {
		t.Fatalf("newTCPSocket failed: %v", err)
	}

	n, err := sock.Read(make([]byte, 16))
	if n != 0 || !errors.Is(err, ErrWouldBlock) {
		t.Errorf("Read = %d, %v; want 0, ErrWouldBlock", n, err)
	}
	if sock.Fd() < 0 {
		t.Errorf("Fd = %d", sock.Fd())
	}
}

func TestTCPSocket_ReadWrite(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	sock, err := newTCPSocket(serverConn)
	if err != nil {
		t.Fatalf("newTCPSocket failed: %v", err)
	}

	if _, err = clientConn.Write([]byte("ping")); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
	buf := make([]byte, 16)
	n, err := readSome(t, sock, buf)
	if err != nil || string(buf[:n]) != "ping" {
		t.Fatalf("Read = %q, %v", buf[:n], err)
	}

	if n, err = sock.Write([]byte("pong")); err != nil || n != 4 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	_ = clientConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err = io.ReadFull(clientConn, buf[:4]); err != nil || string(buf[:4]) != "pong" {
		t.Errorf("client read = %q, %v", buf[:4], err)
	}

	if n, err = sock.Write(nil); n != 0 || err != nil {
		t.Errorf("empty Write = %d, %v", n, err)
	}
}

func TestTCPSocket_PeerClosed(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()

	sock, err := newTCPSocket(serverConn)
	if err != nil {
		t.Fatalf("newTCPSocket failed: %v", err)
	}

	clientConn.Close()
	if _, err = readSome(t, sock, make([]byte, 16)); !errors.Is(err, ErrPeerClosed) {
		t.Errorf("expected ErrPeerClosed, got %v", err)
	}
}

func TestHandshake_Plaintext(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	sock, err := handshake(context.Background(), serverConn, nil, true, time.Second)
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	if _, ok := sock.(*tcpSocket); !ok {
		t.Errorf("socket type = %T, want *tcpSocket", sock)
	}
	if sock.RemoteAddr().String() != clientConn.LocalAddr().String() {
		t.Errorf("RemoteAddr = %v, want %v", sock.RemoteAddr(), clientConn.LocalAddr())
	}
}

// tlsPair returns an established server tlsSocket and the blocking client
// session on the other end.
func tlsPair(t *testing.T) (Socket, *tls.Conn) {
	t.Helper()

	serverConn, clientConn := createTestTCPPair(t)
	t.Cleanup(func() {
		serverConn.Close()
		clientConn.Close()
	})
	// small buffers so the kernel stops accepting early
	_ = serverConn.SetWriteBuffer(4096)
	_ = clientConn.SetReadBuffer(4096)

	serverTLS, clientTLS := testTLSConfigs(t)
	clientTLS.ServerName = "localhost"
	client := tls.Client(clientConn, clientTLS)

	done := make(chan error, 1)
	go func() { done <- client.Handshake() }()

	sock, err := handshake(context.Background(), serverConn, serverTLS, true, 5*time.Second)
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	if err = <-done; err != nil {
		t.Fatalf("client handshake failed: %v", err)
	}
	return sock, client
}

func TestTLSSocket_WriteDoesNotBlockOnSlowPeer(t *testing.T) {
	sock, client := tlsPair(t)

	chunk := make([]byte, maxRecordPayload)
	type result struct {
		accepted int
		err      error
	}
	filled := make(chan result, 1)
	go func() {
		var accepted int
		for i := 0; i < 4096; i++ {
			n, err := sock.Write(chunk)
			accepted += n
			if err != nil {
				filled <- result{accepted, err}
				return
			}
		}
		filled <- result{accepted, nil}
	}()

	var res result
	select {
	case res = <-filled:
	case <-time.After(5 * time.Second):
		t.Fatal("Write blocked on a peer that does not read")
	}
	if !errors.Is(res.err, ErrWouldBlock) {
		t.Fatalf("Write = %v after %d bytes, want ErrWouldBlock", res.err, res.accepted)
	}
	if n, err := sock.Write(chunk); n != 0 || !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("Write with pending ciphertext = %d, %v", n, err)
	}
	if err := sock.Flush(); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("Flush = %v, want ErrWouldBlock", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	received := make(chan int64, 1)
	go func() {
		n, _ := io.Copy(io.Discard, client)
		received <- n
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		err := sock.Flush()
		if err == nil {
			break
		}
		if !errors.Is(err, ErrWouldBlock) {
			t.Fatalf("Flush failed: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("pending ciphertext never drained")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := sock.Close(); err != nil {
		t.Logf("close: %v", err)
	}
	if n := <-received; n != int64(res.accepted) {
		t.Errorf("peer received %d bytes, socket accepted %d", n, res.accepted)
	}
}

func TestAcceptConn(t *testing.T) {
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer listener.Close()
	rc, err := listener.SyscallConn()
	if err != nil {
		t.Fatalf("SyscallConn failed: %v", err)
	}

	if _, err = acceptConn(rc); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("accept on an empty backlog = %v, want ErrWouldBlock", err)
	}

	client, err := net.DialTimeout("tcp", listener.Addr().String(), 5*time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()

	deadline := time.Now().Add(5 * time.Second)
	var conn *net.TCPConn
	for {
		conn, err = acceptConn(rc)
		if !errors.Is(err, ErrWouldBlock) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("dialed connection never reached the backlog")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("acceptConn failed: %v", err)
	}
	defer conn.Close()

	if conn.RemoteAddr().String() != client.LocalAddr().String() {
		t.Errorf("RemoteAddr = %v, want %v", conn.RemoteAddr(), client.LocalAddr())
	}
	if _, err = client.Write([]byte("x")); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	if _, err = io.ReadFull(conn, buf); err != nil || buf[0] != 'x' {
		t.Errorf("read = %q, %v", buf, err)
	}
}

func TestWouldBlockError(t *testing.T) {
	var err error = wouldBlockError{}
	if !errors.Is(err, ErrWouldBlock) {
		t.Error("wouldBlockError does not match ErrWouldBlock")
	}

	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Error("wouldBlockError is not a timeout net.Error")
	}
}

func TestClassifyIOError(t *testing.T) {
	cases := []struct {
		name string
		in   error
		want error
	}{
		{"eof", io.EOF, ErrPeerClosed},
		{"unexpected eof", io.ErrUnexpectedEOF, ErrPeerClosed},
		{"reset", os.NewSyscallError("read", syscall.ECONNRESET), ErrPeerClosed},
		{"broken pipe", os.NewSyscallError("write", syscall.EPIPE), ErrPeerClosed},
		{"closed", net.ErrClosed, ErrConnectionClosed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classifyIOError(tc.in); !errors.Is(got, tc.want) {
				t.Errorf("classifyIOError(%v) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}

	if classifyIOError(nil) != nil {
		t.Error("nil must stay nil")
	}
	other := errors.New("other")
	if classifyIOError(other) != other {
		t.Error("unrelated errors must pass through")
	}
}
