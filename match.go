package dbus

import (
	"errors"
	"fmt"
	"strings"
)

// MatchRule selects signals by their origin and name.
//
// Rules compare as whole tuples: a signal is routed to a
// subscription only when the signal's sender, path, interface and
// member are all equal to the rule's. The bus itself treats empty
// fields as wildcards when forwarding signals, but the connection
// never delivers a signal whose tuple differs from the rule.
type MatchRule struct {
	// Sender is the unique or well-known name of the emitter. Signals
	// emitted by the bus itself carry the sender
	// "org.freedesktop.DBus", and all other signals carry the
	// emitter's unique name.
	Sender string
	// Path is the object emitting the signal.
	Path ObjectPath
	// Interface is the interface of the signal.
	Interface string
	// Member is the signal name.
	Member string
}

// matchFor returns the rule that exactly describes msg.
func matchFor(msg *Message) MatchRule {
	return MatchRule{
		Sender:    msg.Sender,
		Path:      msg.Path,
		Interface: msg.Interface,
		Member:    msg.Member,
	}
}

// String returns the rule in the textual form used by the bus's
// AddMatch and RemoveMatch methods. Empty fields are omitted.
func (r MatchRule) String() string {
	ms := []string{"type='signal'"}
	kv := func(k, v string) {
		if v != "" {
			ms = append(ms, k+"="+escapeMatchArg(v))
		}
	}
	kv("sender", r.Sender)
	kv("path", string(r.Path))
	kv("interface", r.Interface)
	kv("member", r.Member)
	return strings.Join(ms, ",")
}

// Valid reports whether r is a well-formed rule.
func (r MatchRule) Valid() error {
	if r.Path != "" {
		if err := r.Path.Valid(); err != nil {
			return err
		}
	}
	for _, s := range []string{r.Sender, r.Interface, r.Member} {
		if err := validString(s); err != nil {
			return err
		}
	}
	return nil
}

// Matches reports whether msg is a signal that r selects, treating
// r's empty fields as wildcards. This is the filtering a bus applies
// when forwarding signals to subscribers.
func (r MatchRule) Matches(msg *Message) bool {
	if msg.Type != MessageSignal {
		return false
	}
	eq := func(want, got string) bool { return want == "" || want == got }
	return eq(r.Sender, msg.Sender) &&
		eq(string(r.Path), string(msg.Path)) &&
		eq(r.Interface, msg.Interface) &&
		eq(r.Member, msg.Member)
}

// ParseMatchRule parses the textual form of a match rule.
//
// Only the keys type (which must be 'signal'), sender, path,
// interface and member are supported. Argument and namespace matches
// are rejected.
func ParseMatchRule(s string) (MatchRule, error) {
	var ret MatchRule
	seen := map[string]bool{}
	rest := strings.TrimSpace(s)
	for rest != "" {
		k, after, ok := strings.Cut(rest, "=")
		if !ok {
			return MatchRule{}, fmt.Errorf("malformed match rule %q: missing '=' after %q", s, rest)
		}
		k = strings.TrimSpace(k)
		v, after, err := unescapeMatchArg(after)
		if err != nil {
			return MatchRule{}, fmt.Errorf("malformed match rule %q: %w", s, err)
		}
		if seen[k] {
			return MatchRule{}, fmt.Errorf("malformed match rule %q: duplicate key %q", s, k)
		}
		seen[k] = true

		switch k {
		case "type":
			if v != "signal" {
				return MatchRule{}, fmt.Errorf("unsupported match rule type %q", v)
			}
		case "sender":
			ret.Sender = v
		case "path":
			ret.Path = ObjectPath(v)
		case "interface":
			ret.Interface = v
		case "member":
			ret.Member = v
		default:
			return MatchRule{}, fmt.Errorf("unsupported match rule key %q", k)
		}

		after = strings.TrimSpace(after)
		if after != "" {
			var ok bool
			after, ok = strings.CutPrefix(after, ",")
			if !ok {
				return MatchRule{}, fmt.Errorf("malformed match rule %q: expected ',' before %q", s, after)
			}
		}
		rest = strings.TrimSpace(after)
	}
	if err := ret.Valid(); err != nil {
		return MatchRule{}, fmt.Errorf("invalid match rule %q: %w", s, err)
	}
	return ret, nil
}

func escapeMatchArg(s string) string {
	s = strings.ReplaceAll(s, "'", "'\\''")
	return "'" + s + "'"
}

// unescapeMatchArg reads one match value from the front of s, and
// returns the value and the remainder of s.
//
// Values are runs of quoted and unquoted text. Inside quotes, all
// characters are literal. Outside quotes, \' is a literal quote,
// whitespace is skipped and ',' ends the value.
func unescapeMatchArg(s string) (val, rest string, err error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\'':
			end := strings.IndexByte(s[i+1:], '\'')
			if end < 0 {
				return "", "", errors.New("unterminated quote")
			}
			b.WriteString(s[i+1 : i+1+end])
			i += end + 1
		case c == '\\' && i+1 < len(s) && s[i+1] == '\'':
			b.WriteByte('\'')
			i++
		case c == ',':
			return b.String(), s[i:], nil
		case c == ' ' || c == '\t':
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), "", nil
}
