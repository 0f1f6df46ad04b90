package dnsresolve

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/13Dev-07/emailv/dnscache"
	"github.com/13Dev-07/emailv/errs"
)

// fakeNameserver is a minimal in-process UDP nameserver used so resolver
// tests never touch the network. Each test registers canned answers per
// (qtype, domain).
type fakeNameserver struct {
	conn *net.UDPConn
	mu   sync.Mutex
	// answer returns the Rcode and records for a question; nil records with
	// RcodeSuccess means NOERROR/no-data (Empty), RcodeNameError means Nx.
	answer func(qname string, qtype uint16) (int, []dns.RR)
	stop   chan struct{}
}

func startFakeNameserver(t *testing.T, answer func(qname string, qtype uint16) (int, []dns.RR)) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)

	srv := &fakeNameserver{conn: conn, answer: answer, stop: make(chan struct{})}
	go srv.serve()
	t.Cleanup(func() {
		close(srv.stop)
		_ = conn.Close()
	})
	return conn.LocalAddr().String()
}

func (s *fakeNameserver) serve() {
	buf := make([]byte, 512)
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, raddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		req := new(dns.Msg)
		if err := req.Unpack(buf[:n]); err != nil {
			continue
		}
		resp := new(dns.Msg)
		resp.SetReply(req)
		if len(req.Question) == 1 {
			q := req.Question[0]
			rcode, records := s.answer(q.Name, q.Qtype)
			resp.Rcode = rcode
			resp.Answer = records
		}
		out, err := resp.Pack()
		if err != nil {
			continue
		}
		_, _ = s.conn.WriteToUDP(out, raddr)
	}
}

func mxRR(name, mx string, pref uint16, ttl uint32) dns.RR {
	return &dns.MX{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeMX, Class: dns.ClassINET, Ttl: ttl},
		Mx:  dns.Fqdn(mx), Preference: pref,
	}
}

func aRR(name, ip string, ttl uint32) dns.RR {
	return &dns.A{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
		A:   net.ParseIP(ip),
	}
}

func TestResolveMX_ReturnsSortedRecords(t *testing.T) {
	addr := startFakeNameserver(t, func(qname string, qtype uint16) (int, []dns.RR) {
		if qtype != dns.TypeMX {
			return dns.RcodeSuccess, nil
		}
		return dns.RcodeSuccess, []dns.RR{
			mxRR(qname, "mx2.example.com", 20, 300),
			mxRR(qname, "mx1.example.com", 10, 300),
		}
	})

	r := New(Config{Nameservers: []string{addr}, Timeout: 2 * time.Second}, nil, nil)
	mx, err := r.ResolveMX(context.Background(), "example.com")
	require.NoError(t, err)
	require.Len(t, mx, 2)
	assert.Equal(t, "mx1.example.com", mx[0].Host)
	assert.Equal(t, uint16(10), mx[0].Priority)
	assert.Equal(t, "mx2.example.com", mx[1].Host)

	cached, ok := r.Cache().Get("example.com", dnscache.KindMX, time.Now())
	require.True(t, ok)
	assert.Len(t, cached, 2)
}

func TestResolveMX_FallsBackToSynthesizedA(t *testing.T) {
	addr := startFakeNameserver(t, func(qname string, qtype uint16) (int, []dns.RR) {
		switch qtype {
		case dns.TypeMX:
			return dns.RcodeSuccess, nil
		case dns.TypeA:
			return dns.RcodeSuccess, []dns.RR{aRR(qname, "203.0.113.5", 300)}
		default:
			return dns.RcodeSuccess, nil
		}
	})

	r := New(Config{Nameservers: []string{addr}, Timeout: 2 * time.Second}, nil, nil)
	mx, err := r.ResolveMX(context.Background(), "nomx.example.com")
	require.NoError(t, err)
	require.Len(t, mx, 1)
	assert.Equal(t, "nomx.example.com", mx[0].Host)
	assert.Equal(t, uint16(10), mx[0].Priority)
}

func TestResolveMX_NxDomainReturnsNoMxAndCachesNegative(t *testing.T) {
	addr := startFakeNameserver(t, func(qname string, qtype uint16) (int, []dns.RR) {
		return dns.RcodeNameError, nil
	})

	r := New(Config{Nameservers: []string{addr}, Timeout: 2 * time.Second}, nil, nil)
	_, err := r.ResolveMX(context.Background(), "doesnotexist.example.com")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NoMx))

	_, ok := r.Cache().Get("doesnotexist.example.com", dnscache.KindMX, time.Now())
	assert.True(t, ok, "negative result should be cached")
}

func TestResolveMX_UsesCacheOnSecondCall(t *testing.T) {
	var calls int
	addr := startFakeNameserver(t, func(qname string, qtype uint16) (int, []dns.RR) {
		if qtype == dns.TypeMX {
			calls++
			return dns.RcodeSuccess, []dns.RR{mxRR(qname, "mx1.example.com", 10, 300)}
		}
		return dns.RcodeSuccess, nil
	})

	r := New(Config{Nameservers: []string{addr}, Timeout: 2 * time.Second}, nil, nil)
	_, err := r.ResolveMX(context.Background(), "cached.example.com")
	require.NoError(t, err)
	_, err = r.ResolveMX(context.Background(), "cached.example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestResolveMXBatch_ResolvesAllAndBackfillsFromCache(t *testing.T) {
	addr := startFakeNameserver(t, func(qname string, qtype uint16) (int, []dns.RR) {
		if qtype == dns.TypeMX {
			return dns.RcodeSuccess, []dns.RR{mxRR(qname, "mx."+qname, 10, 300)}
		}
		return dns.RcodeSuccess, nil
	})

	r := New(Config{Nameservers: []string{addr}, Timeout: 2 * time.Second, MaxFanout: 4}, nil, nil)
	domains := []string{"a.example.com", "b.example.com", "c.example.com"}
	results := r.ResolveMXBatch(context.Background(), domains)
	require.Len(t, results, 3)
	for _, d := range domains {
		require.Contains(t, results, d)
		assert.Equal(t, "mx."+d, results[d][0].Host)
	}

	// second pass should be served entirely from cache, no new domains missing
	missing := r.Cache().Missing(domains, dnscache.KindMX, time.Now())
	assert.Empty(t, missing)

	// every domain landed in the cache via the batch's single PutBulk call,
	// not a Put-per-goroutine path, so a fresh Get succeeds directly too.
	for _, d := range domains {
		_, ok := r.Cache().Get(d, dnscache.KindMX, time.Now())
		assert.True(t, ok, "domain %s should be cached after ResolveMXBatch", d)
	}
}

func TestResolveMX_TimeoutWhenNameserverUnreachable(t *testing.T) {
	// bind and immediately close so the port refuses/ignores traffic.
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	addr := conn.LocalAddr().String()
	require.NoError(t, conn.Close())

	r := New(Config{Nameservers: []string{addr}, Timeout: 300 * time.Millisecond}, nil, nil)
	_, err = r.ResolveMX(context.Background(), "example.com")
	require.Error(t, err)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "ok", Ok.String())
	assert.Equal(t, "empty", Empty.String())
	assert.Equal(t, "nx", Nx.String())
	assert.Equal(t, "timeout", Timeout.String())
	assert.Equal(t, "transport", Transport.String())
	assert.Equal(t, "unknown", Outcome(99).String())
}

func TestBetterOutcomeRanking(t *testing.T) {
	assert.True(t, betterOutcome(Nx, Timeout))
	assert.True(t, betterOutcome(Empty, Transport))
	assert.False(t, betterOutcome(Timeout, Nx))
	assert.False(t, betterOutcome(Transport, Transport))
}

func TestSortedCopyDoesNotMutateInput(t *testing.T) {
	in := []dnscache.Record{{Value: "b", Priority: 20}, {Value: "a", Priority: 10}}
	out := sortedCopy(in)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].Value)
	assert.Equal(t, "b", in[0].Value, "input order must be unchanged")
}

func TestRecordsTTLPicksMinimum(t *testing.T) {
	now := time.Now()
	records := []dnscache.Record{
		{ExpiresAt: now.Add(500 * time.Second)},
		{ExpiresAt: now.Add(60 * time.Second)},
	}
	ttl := recordsTTL(records, now, time.Hour)
	assert.InDelta(t, (60 * time.Second).Seconds(), ttl.Seconds(), 1)
}

func TestRecordsTTLFallsBackWhenEmptyOrExpired(t *testing.T) {
	now := time.Now()
	assert.Equal(t, time.Hour, recordsTTL(nil, now, time.Hour))
	assert.Equal(t, time.Hour, recordsTTL([]dnscache.Record{{ExpiresAt: now.Add(-time.Second)}}, now, time.Hour))
}
