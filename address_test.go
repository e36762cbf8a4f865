package dbus

import "testing"

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"unix:path=/run/user/1000/bus", "/run/user/1000/bus", false},
		{"unix:path=/tmp/with%20space", "/tmp/with space", false},
		{"unix:guid=abc,path=/x", "/x", false},
		{"unix:abstract=/tmp/dbus-XYZ", "@/tmp/dbus-XYZ", false},
		{"tcp:host=localhost,port=1234;unix:path=/y", "/y", false},
		{"unix:path=/first;unix:path=/second", "/first", false},
		{"unix:runtime=yes;unix:path=/z", "/z", false},
		{"", "", true},
		{"tcp:host=localhost,port=1234", "", true},
		{"unix:path", "", true},
		{"nocolon", "", true},
		{"unix:path=%zz", "", true},
	}
	for _, tc := range tests {
		got, err := ParseAddress(tc.in)
		if gotErr := err != nil; gotErr != tc.wantErr {
			t.Errorf("ParseAddress(%q) err = %v, want err: %v", tc.in, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseAddress(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSystemBusAddress(t *testing.T) {
	t.Setenv("DBUS_SYSTEM_BUS_ADDRESS", "")
	if got := SystemBusAddress(); got != defaultSystemBusAddress {
		t.Errorf("SystemBusAddress() = %q, want default %q", got, defaultSystemBusAddress)
	}
	t.Setenv("DBUS_SYSTEM_BUS_ADDRESS", "unix:path=/custom")
	if got := SystemBusAddress(); got != "unix:path=/custom" {
		t.Errorf("SystemBusAddress() = %q, want override", got)
	}
}

func TestSessionBusAddress(t *testing.T) {
	t.Setenv("DBUS_SESSION_BUS_ADDRESS", "")
	if _, err := SessionBusAddress(); err == nil {
		t.Error("SessionBusAddress() with empty environment succeeded")
	}
	t.Setenv("DBUS_SESSION_BUS_ADDRESS", "unix:path=/s")
	if got, err := SessionBusAddress(); err != nil || got != "unix:path=/s" {
		t.Errorf("SessionBusAddress() = %q, %v, want unix:path=/s", got, err)
	}
}
