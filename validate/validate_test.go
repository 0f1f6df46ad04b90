package validate

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/13Dev-07/emailv/breaker"
	"github.com/13Dev-07/emailv/dnsresolve"
	"github.com/13Dev-07/emailv/risk"
	"github.com/13Dev-07/emailv/smtppool"
	"github.com/13Dev-07/emailv/smtpprobe"
	"github.com/13Dev-07/emailv/verdictcache"
)

func startFakeNameserver(t *testing.T, mxHost string) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	go func() {
		buf := make([]byte, 512)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
			n, raddr, err := conn.ReadFromUDP(buf)
			if err != nil {
				continue
			}
			req := new(dns.Msg)
			if err := req.Unpack(buf[:n]); err != nil {
				continue
			}
			resp := new(dns.Msg)
			resp.SetReply(req)
			if len(req.Question) == 1 && req.Question[0].Qtype == dns.TypeMX {
				resp.Answer = []dns.RR{&dns.MX{
					Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeMX, Class: dns.ClassINET, Ttl: 300},
					Mx:  dns.Fqdn(mxHost), Preference: 10,
				}}
			}
			out, err := resp.Pack()
			if err != nil {
				continue
			}
			_, _ = conn.WriteToUDP(out, raddr)
		}
	}()
	return conn.LocalAddr().String()
}

func startFakeSMTP(t *testing.T, rcptReply string) string {
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
			go func(c net.Conn) {
				defer c.Close()
				fmt.Fprintf(c, "220 fake ESMTP\r\n")
				scanner := bufio.NewScanner(c)
				for scanner.Scan() {
					line := scanner.Text()
					if len(line) >= 4 && line[:4] == "RCPT" {
						fmt.Fprintf(c, "%s\r\n", rcptReply)
						continue
					}
					fmt.Fprintf(c, "250 OK\r\n")
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func newTestEngine(t *testing.T, nsAddr, smtpHostPort string) *Engine {
	t.Helper()
	resolver := dnsresolve.New(dnsresolve.Config{Nameservers: []string{nsAddr}, Timeout: 2 * time.Second}, nil, nil)

	var prober *smtpprobe.Prober
	if smtpHostPort != "" {
		_, portStr, err := net.SplitHostPort(smtpHostPort)
		require.NoError(t, err)
		var port int
		fmt.Sscanf(portStr, "%d", &port)
		pool := smtppool.New(smtppool.Config{DialTimeout: 2 * time.Second, CleanupInterval: time.Hour, WaitTimeout: time.Second})
		t.Cleanup(pool.Stop)
		registry := breaker.NewRegistry(breaker.Config{FailureThreshold: 5, RecoveryTimeout: time.Minute})
		prober = smtpprobe.New(smtpprobe.Config{FromAddress: "probe@test.local", SMTPPort: port}, pool, registry)
	}

	riskChecker := risk.New(risk.Config{DisposableDomains: []string{"mailinator.com"}})
	cache := verdictcache.New(verdictcache.Config{TTL: time.Hour, NegativeTTL: time.Minute}, nil)
	return New(resolver, prober, riskChecker, cache, nil, nil)
}

func TestValidate_SyntaxFailureIsInvalid(t *testing.T) {
	e := newTestEngine(t, "127.0.0.1:1", "")
	v, err := e.Validate(context.Background(), "not-an-email", Options{})
	require.NoError(t, err)
	assert.Equal(t, verdictcache.StatusInvalid, v.Status)
	assert.Equal(t, 100, v.Score)
}

func TestValidate_NoMxIsInvalid(t *testing.T) {
	// A nameserver that answers NXDOMAIN for everything.
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	go func() {
		buf := make([]byte, 512)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
			n, raddr, err := conn.ReadFromUDP(buf)
			if err != nil {
				continue
			}
			req := new(dns.Msg)
			if err := req.Unpack(buf[:n]); err != nil {
				continue
			}
			resp := new(dns.Msg)
			resp.SetReply(req)
			resp.Rcode = dns.RcodeNameError
			out, _ := resp.Pack()
			_, _ = conn.WriteToUDP(out, raddr)
		}
	}()

	e := newTestEngine(t, conn.LocalAddr().String(), "")
	v, err := e.Validate(context.Background(), "user@nxdomain.invalid", Options{CheckMX: true})
	require.NoError(t, err)
	assert.Equal(t, verdictcache.StatusInvalid, v.Status)
	assert.Equal(t, "No MX records found for domain", v.ErrorMessage)
}

func TestValidate_DeliverableIsValid(t *testing.T) {
	smtpAddr := startFakeSMTP(t, "250 OK")
	nsAddr := startFakeNameserver(t, "127.0.0.1")
	e := newTestEngine(t, nsAddr, smtpAddr)

	v, err := e.Validate(context.Background(), "user@example.com", Options{CheckMX: true, CheckSMTP: true})
	require.NoError(t, err)
	assert.Equal(t, verdictcache.StatusValid, v.Status)
}

func TestValidate_UndeliverableIsInvalid(t *testing.T) {
	smtpAddr := startFakeSMTP(t, "550 no such user")
	nsAddr := startFakeNameserver(t, "127.0.0.1")
	e := newTestEngine(t, nsAddr, smtpAddr)

	v, err := e.Validate(context.Background(), "nobody@example.com", Options{CheckMX: true, CheckSMTP: true})
	require.NoError(t, err)
	assert.Equal(t, verdictcache.StatusInvalid, v.Status)
	assert.Equal(t, "Email address does not exist", v.ErrorMessage)
}

func TestValidate_DisposableDomainRaisesScore(t *testing.T) {
	e := newTestEngine(t, "127.0.0.1:1", "")
	v, err := e.Validate(context.Background(), "user@mailinator.com", Options{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, v.Score, 15)
}

func TestValidate_SecondCallUsesCache(t *testing.T) {
	e := newTestEngine(t, "127.0.0.1:1", "")
	v1, err := e.Validate(context.Background(), "user@mailinator.com", Options{})
	require.NoError(t, err)
	v2, err := e.Validate(context.Background(), "user@mailinator.com", Options{})
	require.NoError(t, err)
	assert.Equal(t, v1.Score, v2.Score)
}

func TestValidateBatch_ReturnsResultForEveryAddress(t *testing.T) {
	e := newTestEngine(t, "127.0.0.1:1", "")
	addrs := []string{"a@mailinator.com", "b@mailinator.com", "bad-address", "c@mailinator.com"}
	results := e.ValidateBatch(context.Background(), addrs, Options{}, 2, 2, 0)
	require.Len(t, results, len(addrs))
	for _, r := range results {
		assert.NotEmpty(t, r.Status)
	}
}
