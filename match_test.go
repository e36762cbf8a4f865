package dbus

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMatchRuleString(t *testing.T) {
	tests := []struct {
		name string
		rule MatchRule
		want string
	}{
		{
			"empty",
			MatchRule{},
			"type='signal'",
		},
		{
			"full",
			MatchRule{
				Sender:    "org.freedesktop.DBus",
				Path:      "/org/freedesktop/DBus",
				Interface: "org.freedesktop.DBus",
				Member:    "NameOwnerChanged",
			},
			"type='signal',sender='org.freedesktop.DBus',path='/org/freedesktop/DBus',interface='org.freedesktop.DBus',member='NameOwnerChanged'",
		},
		{
			"sparse",
			MatchRule{Path: "/a/b", Member: "Changed"},
			"type='signal',path='/a/b',member='Changed'",
		},
		{
			"quote escaping",
			MatchRule{Member: "it's"},
			`type='signal',member='it'\''s'`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.rule.String()
			if got != tc.want {
				t.Errorf("wrong filter string:\n  got: %s\n want: %s", got, tc.want)
			}
			back, err := ParseMatchRule(got)
			if err != nil {
				t.Fatalf("ParseMatchRule(%q) failed: %v", got, err)
			}
			if diff := cmp.Diff(back, tc.rule); diff != "" {
				t.Errorf("parse of String() changed rule (-got+want):\n%s", diff)
			}
		})
	}
}

func TestParseMatchRule(t *testing.T) {
	tests := []struct {
		in      string
		want    MatchRule
		wantErr bool
	}{
		{in: "", want: MatchRule{}},
		{in: "member=Foo", want: MatchRule{Member: "Foo"}},
		{in: " type='signal' , path='/x' ", want: MatchRule{Path: "/x"}},
		{in: `member=a\'b`, want: MatchRule{Member: "a'b"}},
		{in: `member='a,b'`, want: MatchRule{Member: "a,b"}},

		{in: "type='method_call'", wantErr: true},
		{in: "arg0='foo'", wantErr: true},
		{in: "member", wantErr: true},
		{in: "member='open", wantErr: true},
		{in: "member='a',member='b'", wantErr: true},
		{in: "path='not/absolute'", wantErr: true},
	}
	for _, tc := range tests {
		got, err := ParseMatchRule(tc.in)
		if gotErr := err != nil; gotErr != tc.wantErr {
			t.Errorf("ParseMatchRule(%q) err = %v, want err: %v", tc.in, err, tc.wantErr)
			continue
		}
		if diff := cmp.Diff(got, tc.want); diff != "" {
			t.Errorf("ParseMatchRule(%q) wrong result (-got+want):\n%s", tc.in, diff)
		}
	}
}

func TestMatchRuleMatches(t *testing.T) {
	sig := &Message{
		Type:      MessageSignal,
		Serial:    1,
		Sender:    ":1.4",
		Path:      "/a",
		Interface: "org.test",
		Member:    "Ping",
	}
	tests := []struct {
		rule MatchRule
		want bool
	}{
		{MatchRule{}, true},
		{MatchRule{Member: "Ping"}, true},
		{MatchRule{Sender: ":1.4", Path: "/a", Interface: "org.test", Member: "Ping"}, true},
		{MatchRule{Member: "Pong"}, false},
		{MatchRule{Path: "/a/b"}, false},
		{MatchRule{Sender: ":1.5"}, false},
	}
	for _, tc := range tests {
		if got := tc.rule.Matches(sig); got != tc.want {
			t.Errorf("%s.Matches(%s) = %v, want %v", tc.rule, sig, got, tc.want)
		}
	}

	call := *sig
	call.Type = MessageCall
	if (MatchRule{}).Matches(&call) {
		t.Error("empty rule matched a method call")
	}

	if got, want := matchFor(sig), (MatchRule{":1.4", "/a", "org.test", "Ping"}); got != want {
		t.Errorf("matchFor(%s) = %v, want %v", sig, got, want)
	}
}
