// Package filter builds and evaluates the BPF-style expressions that select
// frames for triggers and captures.
package filter

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Matcher reports whether a decoded frame satisfies a compiled filter.
type Matcher func(p *Packet) bool

// MatchBytes decodes data and evaluates m on it.
func (m Matcher) MatchBytes(data []byte) bool {
	return m(Decode(data))
}

func matchAll(*Packet) bool { return true }

// Compile parses expr. The empty expression matches every frame.
func Compile(expr string) (Matcher, error) {
	toks := tokenize(expr)
	if len(toks) == 0 {
		return matchAll, nil
	}
	p := &parser{toks: toks}
	m, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, fmt.Errorf("filter %q: unexpected token %q", expr, p.peek())
	}
	return m, nil
}

func tokenize(expr string) []string {
	expr = strings.NewReplacer("(", " ( ", ")", " ) ", "&&", " and ", "||", " or ", "!", " not ").Replace(expr)
	return strings.Fields(strings.ToLower(expr))
}

type parser struct {
	toks []string
	pos  int
}

func (p *parser) done() bool { return p.pos >= len(p.toks) }

func (p *parser) peek() string {
	if p.done() {
		return ""
	}
	return p.toks[p.pos]
}

func (p *parser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) accept(tok string) bool {
	if p.peek() == tok {
		p.pos++
		return true
	}
	return false
}

func (p *parser) parseOr() (Matcher, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.accept("or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l, r := left, right
		left = func(pk *Packet) bool { return l(pk) || r(pk) }
	}
	return left, nil
}

func (p *parser) parseAnd() (Matcher, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.accept("and") {
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l, r := left, right
		left = func(pk *Packet) bool { return l(pk) && r(pk) }
	}
	return left, nil
}

func (p *parser) parseUnary() (Matcher, error) {
	switch {
	case p.accept("not"):
		m, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return func(pk *Packet) bool { return !m(pk) }, nil
	case p.accept("("):
		m, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.accept(")") {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return m, nil
	}
	return p.parsePrimitive()
}

type direction int

const (
	dirAny direction = iota
	dirSrc
	dirDst
)

func (p *parser) direction() direction {
	switch {
	case p.accept("src"):
		return dirSrc
	case p.accept("dst"):
		return dirDst
	}
	return dirAny
}

func (p *parser) parsePrimitive() (Matcher, error) {
	tok := p.next()
	switch tok {
	case "":
		return nil, fmt.Errorf("unexpected end of filter")
	case "ip", "ip6":
		family := func(pk *Packet) bool { return pk.IPv4 }
		if tok == "ip6" {
			family = func(pk *Packet) bool { return pk.IPv6 }
		}
		if !p.qualifies() {
			return family, nil
		}
		m, err := p.parseQualified()
		if err != nil {
			return nil, err
		}
		return func(pk *Packet) bool { return family(pk) && m(pk) }, nil
	case "udp", "tcp":
		proto := func(pk *Packet) bool { return pk.UDP }
		if tok == "tcp" {
			proto = func(pk *Packet) bool { return pk.TCP }
		}
		if !p.qualifies() {
			return proto, nil
		}
		m, err := p.parseQualified()
		if err != nil {
			return nil, err
		}
		return func(pk *Packet) bool { return proto(pk) && m(pk) }, nil
	case "icmp":
		return func(pk *Packet) bool { return pk.ICMP }, nil
	case "icmp6":
		return func(pk *Packet) bool { return pk.ICMPv6 }, nil
	case "arp":
		return func(pk *Packet) bool { return pk.ARP }, nil
	case "vlan":
		if id, err := strconv.ParseUint(p.peek(), 10, 12); err == nil {
			p.pos++
			vid := uint16(id)
			return func(pk *Packet) bool {
				for _, v := range pk.VLANs {
					if v == vid {
						return true
					}
				}
				return false
			}, nil
		}
		return func(pk *Packet) bool { return len(pk.VLANs) > 0 }, nil
	case "ether":
		dir := p.direction()
		p.accept("host")
		mac, err := net.ParseMAC(p.next())
		if err != nil {
			return nil, fmt.Errorf("ether: %w", err)
		}
		return func(pk *Packet) bool {
			return (dir != dirDst && equalMAC(pk.SrcMAC, mac)) || (dir != dirSrc && equalMAC(pk.DstMAC, mac))
		}, nil
	case "greater", "less":
		n, err := strconv.Atoi(p.next())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", tok, err)
		}
		if tok == "greater" {
			return func(pk *Packet) bool { return pk.Length >= n }, nil
		}
		return func(pk *Packet) bool { return pk.Length <= n }, nil
	}
	p.pos--
	if p.qualifies() {
		return p.parseQualified()
	}
	return nil, fmt.Errorf("unknown filter primitive %q", tok)
}

// qualifies reports whether a direction, host, net or port clause follows.
func (p *parser) qualifies() bool {
	switch p.peek() {
	case "src", "dst", "host", "net", "port":
		return true
	}
	return net.ParseIP(p.peek()) != nil
}

func (p *parser) parseQualified() (Matcher, error) {
	dir := p.direction()
	switch {
	case p.accept("port"):
		n, err := strconv.ParseUint(p.next(), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("port: %w", err)
		}
		port := uint16(n)
		return func(pk *Packet) bool {
			if !pk.UDP && !pk.TCP {
				return false
			}
			return (dir != dirDst && pk.SrcPort == port) || (dir != dirSrc && pk.DstPort == port)
		}, nil
	case p.accept("net"):
		_, ipnet, err := net.ParseCIDR(p.next())
		if err != nil {
			return nil, fmt.Errorf("net: %w", err)
		}
		return func(pk *Packet) bool {
			return (dir != dirDst && pk.SrcIP != nil && ipnet.Contains(pk.SrcIP)) ||
				(dir != dirSrc && pk.DstIP != nil && ipnet.Contains(pk.DstIP))
		}, nil
	}
	p.accept("host")
	raw := p.next()
	ip := net.ParseIP(raw)
	if ip == nil {
		return nil, fmt.Errorf("invalid host address %q", raw)
	}
	return func(pk *Packet) bool {
		return (dir != dirDst && ip.Equal(pk.SrcIP)) || (dir != dirSrc && ip.Equal(pk.DstIP))
	}, nil
}

func equalMAC(a, b net.HardwareAddr) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
