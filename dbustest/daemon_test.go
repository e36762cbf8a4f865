package dbustest

import (
	"encoding/xml"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

func TestDaemonConfig(t *testing.T) {
	var cfg struct {
		Type   string   `xml:"type"`
		Listen []string `xml:"listen"`
		Auth   []string `xml:"auth"`
	}
	if err := xml.Unmarshal([]byte(daemonConfig("/tmp/dbustest123/bus.sock")), &cfg); err != nil {
		t.Fatalf("daemon config is not valid XML: %v", err)
	}
	if diff := cmp.Diff(cfg.Listen, []string{"unix:path=/tmp/dbustest123/bus.sock"}); diff != "" {
		t.Errorf("wrong listen addresses (-got+want):\n%s", diff)
	}
	if diff := cmp.Diff(cfg.Auth, []string{"EXTERNAL"}); diff != "" {
		t.Errorf("wrong auth mechanisms (-got+want):\n%s", diff)
	}
}

func TestDaemonExited(t *testing.T) {
	d := &Daemon{
		t:    t,
		log:  zerolog.Nop(),
		stop: make(chan struct{}),
	}
	if err := d.Err(); err != nil {
		t.Fatalf("new daemon has error %v", err)
	}

	d.exited("dbus-daemon", errors.New("exit status 1"))
	err := d.Err()
	if err == nil || !strings.Contains(err.Error(), "dbus-daemon stopped prematurely: exit status 1") {
		t.Fatalf("Err() after premature exit = %v", err)
	}

	close(d.stop)
	d.exited("dbus-monitor", errors.New("signal: killed"))
	if got := d.Err(); got.Error() != err.Error() {
		t.Errorf("exit after shutdown was recorded: %v", got)
	}
}
