package auth

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/koltyakov/gtunnel/internal/domain"
)

// ipRule is either an exact address (bits < 0) or a network with prefix bits.
type ipRule struct {
	addr netip.Addr
	bits int
	// IPv4 rules precompute the masked network so matching is one AND.
	v4Net  uint32
	v4Mask uint32
}

// IPFilter matches caller addresses against static allow and deny lists.
// Rules are parsed once at construction and never change.
type IPFilter struct {
	allow []ipRule
	deny  []ipRule
	log   *zap.Logger
}

// NewIPFilter parses allow and deny entries. Each entry is an exact address
// or CIDR notation. A malformed entry yields a [*domain.ConfigError].
func NewIPFilter(allow, deny []string, logger *zap.Logger) (*IPFilter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	allowRules, err := parseRules("auth.ipWhitelist", allow)
	if err != nil {
		return nil, err
	}
	denyRules, err := parseRules("auth.ipBlacklist", deny)
	if err != nil {
		return nil, err
	}
	return &IPFilter{allow: allowRules, deny: denyRules, log: logger}, nil
}

// IsAllowed reports whether ip may pass. The deny list always wins; an empty
// allow list admits everything not denied.
func (f *IPFilter) IsAllowed(ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		// Unparseable callers can only pass an open allow list.
		if len(f.allow) == 0 {
			return true
		}
		f.log.Warn("IP not in whitelist", zap.String("ip", ip))
		return false
	}
	addr = addr.Unmap()

	if matchAny(addr, f.deny) {
		f.log.Warn("IP blocked by blacklist", zap.String("ip", ip))
		return false
	}
	if len(f.allow) == 0 {
		return true
	}
	if !matchAny(addr, f.allow) {
		f.log.Warn("IP not in whitelist", zap.String("ip", ip))
		return false
	}
	return true
}

func matchAny(addr netip.Addr, rules []ipRule) bool {
	for i := range rules {
		if rules[i].matches(addr) {
			return true
		}
	}
	return false
}

func (r *ipRule) matches(addr netip.Addr) bool {
	if r.bits < 0 {
		return r.addr == addr
	}
	if r.addr.Is4() {
		if !addr.Is4() {
			return false
		}
		return ipv4ToUint32(addr)&r.v4Mask == r.v4Net
	}
	if addr.Is4() {
		return false
	}
	return netip.PrefixFrom(r.addr, r.bits).Contains(addr)
}

func parseRules(field string, entries []string) ([]ipRule, error) {
	rules := make([]ipRule, 0, len(entries))
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		rule, err := parseRule(entry)
		if err != nil {
			return nil, &domain.ConfigError{Field: field, Value: raw, Err: err}
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func parseRule(entry string) (ipRule, error) {
	host, bitsStr, isCIDR := strings.Cut(entry, "/")
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return ipRule{}, fmt.Errorf("invalid address: %w", err)
	}
	addr = addr.Unmap()
	if !isCIDR {
		return ipRule{addr: addr, bits: -1}, nil
	}

	bits, err := strconv.Atoi(bitsStr)
	if err != nil {
		return ipRule{}, fmt.Errorf("invalid prefix length %q", bitsStr)
	}
	if bits < 0 || bits > addr.BitLen() {
		return ipRule{}, errors.New("prefix length out of range")
	}
	rule := ipRule{addr: addr, bits: bits}
	if addr.Is4() {
		rule.v4Mask = ipv4Mask(bits)
		rule.v4Net = ipv4ToUint32(addr) & rule.v4Mask
	}
	return rule, nil
}

func ipv4Mask(bits int) uint32 {
	if bits == 0 {
		return 0
	}
	return ^uint32(0) << (32 - bits)
}

func ipv4ToUint32(addr netip.Addr) uint32 {
	b := addr.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
