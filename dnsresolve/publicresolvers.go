package dnsresolve

// Well-known public DNS resolvers, used by config as the default nameserver
// pool when none is configured. Each pool is independently redundant; the
// race strategy in race.go queries up to the first three configured
// nameservers rather than depending on any single provider.
var (
	CloudflareDNSv4   = []string{"1.1.1.1:53", "1.0.0.1:53"}
	GooglePublicDNSv4 = []string{"8.8.8.8:53", "8.8.4.4:53"}
	Quad9DNSv4        = []string{"9.9.9.9:53", "149.112.112.112:53"}
	OpenDNSv4         = []string{"208.67.222.222:53", "208.67.220.220:53"}
)

// DefaultNameservers returns the nameserver pool config falls back to when
// none is set explicitly: one address from each of the major public
// providers, so a single provider outage degrades rather than blocks
// resolution.
func DefaultNameservers() []string {
	return []string{CloudflareDNSv4[0], GooglePublicDNSv4[0], Quad9DNSv4[0]}
}
