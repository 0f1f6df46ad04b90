package dnsresolve

import (
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/13Dev-07/emailv/dnscache"
)

// nsResolver issues wire-format DNS queries against one nameserver over a
// pooled UDP connection.
type nsResolver struct {
	addr     string
	timeout  time.Duration
	connPool *nsConnPool
}

func newNsResolver(addr string, timeout time.Duration, poolSize int) *nsResolver {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "53")
	}
	return &nsResolver{
		addr:     addr,
		timeout:  timeout,
		connPool: newNsConnPool(addr, timeout, poolSize),
	}
}

func (r *nsResolver) Name() string { return r.addr }

// queryResult carries the wire outcome plus parsed records for one
// (domain, qtype) query against this nameserver.
type queryResult struct {
	records []dnscache.Record
	outcome Outcome
}

func (r *nsResolver) query(deadline time.Time, domain string, qtype uint16) (queryResult, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), qtype)
	msg.RecursionDesired = true

	conn, err := r.connPool.Get()
	if err != nil {
		return queryResult{outcome: Transport}, err
	}

	if err := conn.SetDeadline(deadline); err != nil {
		_ = conn.Close()
		return queryResult{outcome: Transport}, err
	}

	dnsConn := &dns.Conn{Conn: conn}
	if err := dnsConn.WriteMsg(msg); err != nil {
		_ = conn.Close()
		if isTimeout(err) {
			return queryResult{outcome: Timeout}, err
		}
		return queryResult{outcome: Transport}, err
	}

	response, err := dnsConn.ReadMsg()
	if err != nil {
		_ = conn.Close()
		if isTimeout(err) {
			return queryResult{outcome: Timeout}, err
		}
		return queryResult{outcome: Transport}, err
	}

	r.connPool.Put(conn)

	if response.Rcode == dns.RcodeNameError {
		return queryResult{outcome: Nx}, nil
	}
	if response.Rcode != dns.RcodeSuccess {
		return queryResult{outcome: Transport}, &dns.Error{Err: dns.RcodeToString[response.Rcode]}
	}

	records := parseAnswers(response.Answer)
	if len(records) == 0 {
		return queryResult{outcome: Empty}, nil
	}
	return queryResult{records: records, outcome: Ok}, nil
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func parseAnswers(answers []dns.RR) []dnscache.Record {
	records := make([]dnscache.Record, 0, len(answers))
	for _, ans := range answers {
		ttl := time.Duration(ans.Header().Ttl) * time.Second
		switch a := ans.(type) {
		case *dns.A:
			records = append(records, dnscache.Record{Kind: dnscache.KindA, Value: a.A.String(), ExpiresAt: time.Now().Add(ttl)})
		case *dns.AAAA:
			records = append(records, dnscache.Record{Kind: dnscache.KindAAAA, Value: a.AAAA.String(), ExpiresAt: time.Now().Add(ttl)})
		case *dns.MX:
			records = append(records, dnscache.Record{Kind: dnscache.KindMX, Value: strings.TrimSuffix(a.Mx, "."), Priority: a.Preference, ExpiresAt: time.Now().Add(ttl)})
		case *dns.NS:
			records = append(records, dnscache.Record{Kind: dnscache.KindNS, Value: strings.TrimSuffix(a.Ns, "."), ExpiresAt: time.Now().Add(ttl)})
		case *dns.PTR:
			records = append(records, dnscache.Record{Kind: dnscache.KindPTR, Value: strings.TrimSuffix(a.Ptr, "."), ExpiresAt: time.Now().Add(ttl)})
		}
	}
	return records
}

// recordsTTL returns the smallest remaining record TTL in the set, or
// fallback if there are none or the smallest has already run out.
func recordsTTL(records []dnscache.Record, now time.Time, fallback time.Duration) time.Duration {
	if len(records) == 0 {
		return fallback
	}
	min := records[0].ExpiresAt.Sub(now)
	for _, r := range records[1:] {
		if d := r.ExpiresAt.Sub(now); d < min {
			min = d
		}
	}
	if min <= 0 {
		return fallback
	}
	return min
}
