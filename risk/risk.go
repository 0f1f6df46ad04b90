// Package risk implements the pure, no-I/O domain risk checks of spec
// §4.6 step 3: disposable-domain membership, common-typo suggestions, and
// role-account detection.
package risk

import (
	"regexp"
	"strings"
)

// roleAccountRE matches local parts that address a role rather than a
// person, mirroring common mail-admin conventions.
var roleAccountRE = regexp.MustCompile(`(?i)^(admin|administrator|support|info|sales|contact|help|webmaster|postmaster|abuse|noreply|no-reply|billing|security|hostmaster|marketing|root)$`)

// Checker evaluates disposable-domain membership, role-account local
// parts, and common-typo suggestions. It never performs I/O; the
// disposable set and typo table are supplied at construction.
type Checker struct {
	disposableExact  map[string]struct{}
	disposableSuffix []string
	typoTable        map[string]string
	spamTrapExact    map[string]struct{}
	spamTrapSuffix   []string
}

// Config seeds a Checker's tables.
type Config struct {
	// DisposableDomains may include "*"-suffix patterns (e.g. "*.tempmail.io")
	// alongside exact matches ("mailinator.com").
	DisposableDomains []string
	// TypoCorrections maps a commonly mistyped domain to its likely
	// intended spelling (e.g. "gmial.com" -> "gmail.com").
	TypoCorrections map[string]string
	// SpamTrapDomains identifies known spam-trap domains, same pattern
	// syntax as DisposableDomains.
	SpamTrapDomains []string
}

// New builds a Checker, partitioning DisposableDomains into exact and
// suffix-pattern matchers.
func New(cfg Config) *Checker {
	c := &Checker{
		disposableExact: make(map[string]struct{}),
		spamTrapExact:   make(map[string]struct{}),
		typoTable:       cfg.TypoCorrections,
	}
	if c.typoTable == nil {
		c.typoTable = defaultTypoTable()
	}
	c.disposableExact, c.disposableSuffix = partitionPatterns(cfg.DisposableDomains)
	c.spamTrapExact, c.spamTrapSuffix = partitionPatterns(cfg.SpamTrapDomains)
	return c
}

func partitionPatterns(patterns []string) (exact map[string]struct{}, suffix []string) {
	exact = make(map[string]struct{})
	for _, p := range patterns {
		p = strings.ToLower(p)
		if s, ok := strings.CutPrefix(p, "*"); ok {
			suffix = append(suffix, s)
			continue
		}
		exact[p] = struct{}{}
	}
	return exact, suffix
}

// IsDisposable reports whether domain matches an exact or "*"-suffix
// disposable-domain pattern.
func (c *Checker) IsDisposable(domain string) bool {
	return matchesPattern(domain, c.disposableExact, c.disposableSuffix)
}

// IsSpamTrap reports whether domain matches a known spam-trap pattern.
func (c *Checker) IsSpamTrap(domain string) bool {
	return matchesPattern(domain, c.spamTrapExact, c.spamTrapSuffix)
}

func matchesPattern(domain string, exact map[string]struct{}, suffix []string) bool {
	domain = strings.ToLower(domain)
	if _, ok := exact[domain]; ok {
		return true
	}
	for _, s := range suffix {
		if strings.HasSuffix(domain, s) {
			return true
		}
	}
	return false
}

// IsRoleAccount reports whether localPart addresses a role rather than a
// person.
func (c *Checker) IsRoleAccount(localPart string) bool {
	return roleAccountRE.MatchString(localPart)
}

// TypoSuggestion returns the likely intended domain if domain is a known
// common misspelling, and whether a suggestion was found.
func (c *Checker) TypoSuggestion(domain string) (string, bool) {
	suggestion, ok := c.typoTable[strings.ToLower(domain)]
	return suggestion, ok
}

func defaultTypoTable() map[string]string {
	return map[string]string{
		"gmial.com":   "gmail.com",
		"gmai.com":    "gmail.com",
		"gmail.co":    "gmail.com",
		"gnail.com":   "gmail.com",
		"yahooo.com":  "yahoo.com",
		"yaho.com":    "yahoo.com",
		"hotmial.com": "hotmail.com",
		"hotmil.com":  "hotmail.com",
		"outlok.com":  "outlook.com",
		"outloo.com":  "outlook.com",
	}
}
