package dbustest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	dbus "github.com/danderson/dbuswire"
	"github.com/rs/zerolog"
)

const daemonConfigTemplate = `<!DOCTYPE busconfig PUBLIC "-//freedesktop//DTD D-Bus Bus Configuration 1.0//EN"
 "http://www.freedesktop.org/standards/dbus/1.0/busconfig.dtd">
<busconfig>
  <type>session</type>
  <listen>unix:path=%s</listen>
  <auth>EXTERNAL</auth>
  <policy context="default">
    <allow send_destination="*" eavesdrop="true"/>
    <allow eavesdrop="true"/>
    <allow own="*"/>
  </policy>
</busconfig>
`

// daemonConfig returns a dbus-daemon configuration that listens on
// the unix socket sock.
func daemonConfig(sock string) string {
	return fmt.Sprintf(daemonConfigTemplate, sock)
}

// DaemonAvailable reports whether the required binaries are available
// for testing against a real dbus-daemon.
func DaemonAvailable() bool {
	_, err := exec.LookPath("dbus-daemon")
	if err != nil {
		return false
	}
	_, err = exec.LookPath("dbus-monitor")
	return err == nil
}

// Daemon is an isolated dbus-daemon instance for tests.
type Daemon struct {
	t    testing.TB
	bus  *exec.Cmd
	mon  *exec.Cmd
	lw   *logWriter
	log  zerolog.Logger
	sock string

	stop       chan struct{}
	busStopped chan struct{}
	monStopped chan struct{}

	mu  sync.Mutex
	err error
}

// NewDaemon launches a dbus-daemon dedicated to the calling test.
//
// If [DaemonAvailable] is false, NewDaemon calls t.Skip to skip the
// calling test.
//
// If logMonitor is true, the returned daemon logs all bus messages
// to the test log.
func NewDaemon(t testing.TB, logMonitor bool) *Daemon {
	t.Helper()
	if !DaemonAvailable() {
		t.Skip("dbus-daemon and dbus-monitor not available, cannot run test bus")
	}
	tmp, err := os.MkdirTemp("", "dbustest")
	if err != nil {
		t.Fatalf("creating daemon dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmp) })

	ret := &Daemon{
		t:          t,
		log:        zerolog.New(zerolog.NewTestWriter(t)).With().Str("component", "dbus-daemon").Logger(),
		sock:       filepath.Join(tmp, "bus.sock"),
		stop:       make(chan struct{}),
		busStopped: make(chan struct{}),
		monStopped: make(chan struct{}),
	}

	cfgPath := filepath.Join(tmp, "bus.config")
	if err := os.WriteFile(cfgPath, []byte(daemonConfig(ret.sock)), 0600); err != nil {
		t.Fatal(err)
	}

	ret.bus = exec.Command("dbus-daemon", "--config-file="+cfgPath, "--nofork", "--nopidfile", "--nosyslog")
	ret.bus.Stdout = ret.log
	ret.bus.Stderr = ret.log
	if err := ret.bus.Start(); err != nil {
		t.Fatalf("starting bus: %v", err)
	}
	t.Cleanup(ret.close)

	go func() {
		defer close(ret.busStopped)
		ret.exited("dbus-daemon", ret.bus.Wait())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for ctx.Err() == nil {
		select {
		case <-ret.busStopped:
			t.Fatalf("bus failed to start: %v", ret.Err())
		default:
		}
		if _, err := os.Stat(ret.sock); err == nil {
			break
		} else if errors.Is(err, fs.ErrNotExist) {
			time.Sleep(10 * time.Millisecond)
			continue
		} else if err != nil {
			t.Fatalf("waiting for bus socket: %v", err)
		}
	}
	if err := ctx.Err(); err != nil {
		t.Fatalf("bus failed to start: %v", err)
	}

	if logMonitor {
		ret.lw = newLogWriter(zerolog.New(zerolog.NewTestWriter(t)).With().Str("component", "dbus-monitor").Logger())
		ret.mon = exec.Command("dbus-monitor", "--address", ret.Address())
		ret.mon.Stdout = ret.lw
		ret.mon.Stderr = ret.lw
		if err := ret.mon.Start(); err != nil {
			t.Fatalf("starting monitor: %v", err)
		}
		go func() {
			defer close(ret.monStopped)
			ret.exited("dbus-monitor", ret.mon.Wait())
			ret.lw.Flush()
		}()
		if err := ret.lw.WaitForFirstLine(ctx); err != nil {
			t.Fatalf("waiting for monitor: %v", err)
		}
	} else {
		close(ret.monStopped)
	}

	return ret
}

func (d *Daemon) close() {
	close(d.stop)
	d.bus.Process.Kill()
	if d.mon != nil {
		d.mon.Process.Kill()
	}
	timeout := time.After(10 * time.Second)
	select {
	case <-d.busStopped:
	case <-timeout:
		d.log.Warn().Msg("timed out waiting for bus to stop")
	}
	select {
	case <-d.monStopped:
	case <-timeout:
		d.log.Warn().Msg("timed out waiting for dbus-monitor to stop")
	}
	if err := d.Err(); err != nil {
		d.t.Errorf("test bus failed: %v", err)
	}
}

// exited records the unexpected exit of a daemon process. Exits after
// the daemon is shut down are expected and ignored.
func (d *Daemon) exited(proc string, err error) {
	select {
	case <-d.stop:
		return
	default:
	}
	if err == nil {
		err = errors.New("exit status 0")
	}
	d.log.Error().Err(err).Str("process", proc).Msg("stopped prematurely")
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = errors.Join(d.err, fmt.Errorf("%s stopped prematurely: %w", proc, err))
}

// Err returns the errors of daemon processes that exited before the
// daemon was shut down.
func (d *Daemon) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Socket returns the path to the daemon's unix socket.
func (d *Daemon) Socket() string { return d.sock }

// Address returns the daemon's address, in the form used by DBus
// environment variables.
func (d *Daemon) Address() string { return "unix:path=" + d.sock }

// MustConn returns a connection to the daemon. It causes an immediate
// test failure with t.Fatal if it is unable to connect. The connection
// is closed when the test completes.
func (d *Daemon) MustConn(t testing.TB) *dbus.Conn {
	t.Helper()
	return mustConn(t, d.Address())
}

// logWriter forwards dbus-monitor output to a logger, one bus message
// per log line.
type logWriter struct {
	output chan struct{}
	log    zerolog.Logger
	buf    bytes.Buffer
}

func newLogWriter(log zerolog.Logger) *logWriter {
	return &logWriter{
		output: make(chan struct{}, 1),
		log:    log,
	}
}

func (l *logWriter) Flush() {
	l.flushComplete()
	if l.buf.Len() > 0 {
		l.log.Info().Msg(l.buf.String())
	}
	l.buf.Reset()
}

func (l *logWriter) Write(bs []byte) (int, error) {
	l.buf.Write(bs)
	l.flushComplete()
	return len(bs), nil
}

// flushComplete logs every complete message in the buffer. A message
// is complete once the next one starts.
func (l *logWriter) flushComplete() {
	bs := l.buf.Bytes()
	total := 0
	for {
		i := bytes.IndexByte(bs, '\n')
		if i == -1 {
			return
		}
		total += i
		bs = bs[i+1:]
		if !bytes.HasPrefix(bs, []byte("method ")) && !bytes.HasPrefix(bs, []byte("signal ")) && !bytes.HasPrefix(bs, []byte("error ")) {
			total++
			continue
		}

		l.log.Info().Msg(string(l.buf.Next(total)))
		l.buf.Next(1)
		select {
		case l.output <- struct{}{}:
		default:
		}
		total = 0
		bs = l.buf.Bytes()
	}
}

func (l *logWriter) WaitForFirstLine(ctx context.Context) error {
	select {
	case <-l.output:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
