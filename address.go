package dbus

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
)

const defaultSystemBusAddress = "unix:path=/run/dbus/system_bus_socket"

// SessionBusAddress returns the session bus address from the
// environment.
func SessionBusAddress() (string, error) {
	addr := os.Getenv("DBUS_SESSION_BUS_ADDRESS")
	if addr == "" {
		return "", errors.New("session bus not available, DBUS_SESSION_BUS_ADDRESS is not set")
	}
	return addr, nil
}

// SystemBusAddress returns the system bus address, from the
// environment if set, or the well-known default otherwise.
func SystemBusAddress() string {
	if addr := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS"); addr != "" {
		return addr
	}
	return defaultSystemBusAddress
}

// ParseAddress returns the socket path to connect to for a DBus
// server address, such as "unix:path=/run/user/1000/bus".
//
// An address may list several alternatives separated by ';', the
// first usable one wins. Only unix transports are supported, with
// the path= or abstract= keys. Abstract socket paths are returned
// with a leading '@'.
func ParseAddress(addr string) (string, error) {
	var errs []error
	for _, alt := range strings.Split(addr, ";") {
		if alt == "" {
			continue
		}
		path, err := parseOneAddress(alt)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return path, nil
	}
	if len(errs) == 0 {
		return "", fmt.Errorf("no addresses in %q", addr)
	}
	return "", fmt.Errorf("no usable address in %q: %w", addr, errors.Join(errs...))
}

func parseOneAddress(addr string) (string, error) {
	transport, params, ok := strings.Cut(addr, ":")
	if !ok {
		return "", fmt.Errorf("address %q has no transport", addr)
	}
	if transport != "unix" {
		return "", fmt.Errorf("unsupported transport %q", transport)
	}
	for _, kv := range strings.Split(params, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return "", fmt.Errorf("malformed address parameter %q", kv)
		}
		v, err := url.PathUnescape(v)
		if err != nil {
			return "", fmt.Errorf("malformed address value %q: %w", kv, err)
		}
		switch k {
		case "path":
			return v, nil
		case "abstract":
			return "@" + v, nil
		}
	}
	return "", fmt.Errorf("unix address %q has no path", addr)
}
