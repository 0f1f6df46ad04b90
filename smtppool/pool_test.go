package smtppool

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startFakeSMTP runs a minimal SMTP server that accepts EHLO/HELO and NOOP
// with 250 and echoes any MAIL/RCPT with 250 too, closing nothing on its
// own. Good enough to exercise pool borrow/release/reap without a real MTA.
func startFakeSMTP(t *testing.T) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handleFakeSMTP(conn)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func handleFakeSMTP(conn net.Conn) {
	defer conn.Close()
	fmt.Fprintf(conn, "220 fake.example.com ESMTP\r\n")
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case len(line) >= 4 && line[:4] == "QUIT":
			fmt.Fprintf(conn, "221 bye\r\n")
			return
		default:
			fmt.Fprintf(conn, "250 OK\r\n")
		}
	}
}

func TestBorrowDialsNewConnection(t *testing.T) {
	host, port := startFakeSMTP(t)
	p := New(Config{DialTimeout: 2 * time.Second, CleanupInterval: time.Hour})
	defer p.Stop()

	lease, err := p.Borrow(context.Background(), host, port)
	require.NoError(t, err)
	require.NotNil(t, lease.Conn())
	lease.Release()
}

func TestBorrowReusesReleasedConnection(t *testing.T) {
	host, port := startFakeSMTP(t)
	p := New(Config{DialTimeout: 2 * time.Second, CleanupInterval: time.Hour, MaxPerHost: 1})
	defer p.Stop()

	l1, err := p.Borrow(context.Background(), host, port)
	require.NoError(t, err)
	c1 := l1.conn
	l1.Release()

	l2, err := p.Borrow(context.Background(), host, port)
	require.NoError(t, err)
	assert.Same(t, c1, l2.conn, "second borrow should reuse the idle connection")
	l2.Release()
}

func TestBorrowBlocksAtMaxPerHostThenSucceedsOnRelease(t *testing.T) {
	host, port := startFakeSMTP(t)
	p := New(Config{DialTimeout: 2 * time.Second, CleanupInterval: time.Hour, MaxPerHost: 1, WaitTimeout: 2 * time.Second})
	defer p.Stop()

	l1, err := p.Borrow(context.Background(), host, port)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		l2, err := p.Borrow(context.Background(), host, port)
		if err == nil {
			l2.Release()
		}
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	l1.Release()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second borrow never completed")
	}
}

func TestBorrowTimesOutWhenExhausted(t *testing.T) {
	host, port := startFakeSMTP(t)
	p := New(Config{DialTimeout: 2 * time.Second, CleanupInterval: time.Hour, MaxPerHost: 1, WaitTimeout: 50 * time.Millisecond})
	defer p.Stop()

	l1, err := p.Borrow(context.Background(), host, port)
	require.NoError(t, err)
	defer l1.Release()

	_, err = p.Borrow(context.Background(), host, port)
	require.Error(t, err)
}

func TestDiscardRemovesConnectionFromAccounting(t *testing.T) {
	host, port := startFakeSMTP(t)
	p := New(Config{DialTimeout: 2 * time.Second, CleanupInterval: time.Hour, MaxPerHost: 1, WaitTimeout: time.Second})
	defer p.Stop()

	l1, err := p.Borrow(context.Background(), host, port)
	require.NoError(t, err)
	l1.Discard()

	l2, err := p.Borrow(context.Background(), host, port)
	require.NoError(t, err)
	l2.Release()
}
