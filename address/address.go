// Package address implements the syntax and IDNA normalizer: RFC 5322
// local-part shape plus UTS-46/IDNA domain canonicalization, producing an
// immutable Address or a typed error.
package address

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"

	"github.com/13Dev-07/emailv/errs"
)

const (
	maxTotalBytes = 320
	maxLocalBytes = 64
	maxLabelBytes = 63
	maxDomainBytes = 255
)

// Address is the immutable, normalized form of a validated email address.
type Address struct {
	LocalPart     string
	DomainASCII   string
	DomainUnicode string
	Normalized    string
}

var (
	labelRE = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]*[A-Za-z0-9])?$`)
	// atextRE matches one unescaped run of RFC 5322 atext.
	atextRE = regexp.MustCompile(`^[A-Za-z0-9!#$%&'*+/=?^_` + "`" + `{|}~-]+$`)

	idnaProfile = idna.New(
		idna.MapForLookup(),
		idna.BidiRule(),
		idna.ValidateLabels(true),
	)
)

// Parse validates and normalizes a raw address string per §4.1.
func Parse(raw string) (Address, error) {
	const op = "address.Parse"

	if raw == "" {
		return Address{}, errs.New(errs.SyntaxInvalid, op, fmt.Errorf("empty address"))
	}
	if len(raw) > maxTotalBytes {
		return Address{}, errs.New(errs.SyntaxInvalid, op, fmt.Errorf("address exceeds %d bytes", maxTotalBytes))
	}

	at := strings.LastIndexByte(raw, '@')
	if at <= 0 || at == len(raw)-1 {
		return Address{}, errs.New(errs.SyntaxInvalid, op, fmt.Errorf("missing or misplaced '@'"))
	}
	if strings.Count(raw, "@") > 1 && !strings.HasPrefix(raw, `"`) {
		return Address{}, errs.New(errs.SyntaxInvalid, op, fmt.Errorf("multiple unquoted '@'"))
	}

	rawLocal, rawDomain := raw[:at], raw[at+1:]

	localPart, err := normalizeLocal(rawLocal)
	if err != nil {
		return Address{}, err
	}

	domainASCII, domainUnicode, err := normalizeDomain(rawDomain)
	if err != nil {
		return Address{}, err
	}

	normalized := localPart + "@" + domainASCII
	if len(normalized) > maxTotalBytes {
		return Address{}, errs.New(errs.SyntaxInvalid, op, fmt.Errorf("normalized address exceeds %d bytes", maxTotalBytes))
	}

	return Address{
		LocalPart:     localPart,
		DomainASCII:   domainASCII,
		DomainUnicode: domainUnicode,
		Normalized:    normalized,
	}, nil
}

func normalizeLocal(raw string) (string, error) {
	const op = "address.normalizeLocal"

	if raw == "" {
		return "", errs.New(errs.LocalChars, op, fmt.Errorf("empty local part"))
	}

	var unescaped string
	if strings.HasPrefix(raw, `"`) && strings.HasSuffix(raw, `"`) && len(raw) >= 2 {
		var err error
		unescaped, err = unescapeQuoted(raw[1 : len(raw)-1])
		if err != nil {
			return "", errs.New(errs.LocalChars, op, err)
		}
	} else {
		if err := validateDotAtom(raw); err != nil {
			return "", errs.New(errs.LocalChars, op, err)
		}
		unescaped = raw
	}

	normalized := norm.NFKC.String(unescaped)
	if len(normalized) > maxLocalBytes {
		return "", errs.New(errs.LocalTooLong, op, fmt.Errorf("local part exceeds %d bytes after normalization", maxLocalBytes))
	}
	return normalized, nil
}

// validateDotAtom enforces RFC 5322 dot-atom shape: atext runs separated by
// single dots, no leading, trailing, or doubled dots.
func validateDotAtom(s string) error {
	if strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") || strings.Contains(s, "..") {
		return fmt.Errorf("leading, trailing, or doubled dot in local part")
	}
	for _, part := range strings.Split(s, ".") {
		if part == "" {
			return fmt.Errorf("empty dot-atom segment")
		}
		if !atextRE.MatchString(part) && !containsOnlyUnicode(part) {
			return fmt.Errorf("invalid character in local part %q", part)
		}
	}
	return nil
}

// containsOnlyUnicode allows non-ASCII runes (-￿) through, as
// permitted for quoted strings and, pragmatically, unquoted UTF-8 local
// parts accepted by modern mail systems.
func containsOnlyUnicode(s string) bool {
	for _, r := range s {
		if r < 0x80 {
			return false
		}
	}
	return len(s) > 0
}

// unescapeQuoted accepts the qcontent grammar: printable ASCII except
// backslash/quote, any byte >= 0x80, and \x escape pairs.
func unescapeQuoted(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\':
			if i+1 >= len(s) {
				return "", fmt.Errorf("dangling escape in quoted local part")
			}
			b.WriteByte(s[i+1])
			i++
		case c >= 0x20 && c <= 0x21, c >= 0x23 && c <= 0x5B, c >= 0x5D && c <= 0x7E, c >= 0x80:
			b.WriteByte(c)
		default:
			return "", fmt.Errorf("invalid character 0x%02x in quoted local part", c)
		}
	}
	return b.String(), nil
}

func normalizeDomain(raw string) (ascii string, unicode string, err error) {
	const op = "address.normalizeDomain"

	if raw == "" {
		return "", "", errs.New(errs.DomainChars, op, fmt.Errorf("empty domain"))
	}

	ascii, idnaErr := idnaProfile.ToASCII(raw)
	if idnaErr != nil {
		return "", "", errs.New(errs.IdnaFailure, op, idnaErr)
	}
	ascii = strings.ToLower(ascii)

	if len(ascii) > maxDomainBytes {
		return "", "", errs.New(errs.DomainTooLong, op, fmt.Errorf("domain exceeds %d bytes", maxDomainBytes))
	}

	labels := strings.Split(ascii, ".")
	for _, label := range labels {
		if label == "" {
			return "", "", errs.New(errs.DomainChars, op, fmt.Errorf("empty label in domain"))
		}
		if len(label) > maxLabelBytes {
			return "", "", errs.New(errs.DomainTooLong, op, fmt.Errorf("label %q exceeds %d bytes", label, maxLabelBytes))
		}
		if !labelRE.MatchString(label) {
			return "", "", errs.New(errs.DomainChars, op, fmt.Errorf("invalid characters in label %q", label))
		}
	}

	unicodeForm, uErr := idna.ToUnicode(ascii)
	if uErr != nil {
		unicodeForm = ascii
	}

	return ascii, unicodeForm, nil
}
