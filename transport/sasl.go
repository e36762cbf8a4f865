package transport

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// maxLineLen bounds the length of a SASL line, so that a misbehaving
// peer cannot make us buffer without limit.
const maxLineLen = 16 * 1024

// AuthError is the error returned when the SASL handshake fails.
type AuthError struct {
	// Reply is the peer's reply line that caused the failure, if
	// any.
	Reply string
	// Reason describes the failure when there is no reply.
	Reason string
}

func (e *AuthError) Error() string {
	if e.Reply != "" {
		return fmt.Sprintf("authentication failed, peer said %q", e.Reply)
	}
	return "authentication failed: " + e.Reason
}

// Getuid returns the uid to authenticate as.
func Getuid() int {
	return unix.Getuid()
}

// ClientHandshake runs the client side of the SASL EXTERNAL handshake
// over r and w, authenticating as uid. On success it returns the
// server's GUID, and the stream is ready for DBus messages.
func ClientHandshake(r *bufio.Reader, w io.Writer, uid int) (guid string, err error) {
	// The bus authenticates us using the socket's peer credentials,
	// so all we need to do is claim the uid we really have.
	uidHex := hex.EncodeToString([]byte(strconv.Itoa(uid)))
	if _, err := io.WriteString(w, "\x00AUTH EXTERNAL "+uidHex+"\r\n"); err != nil {
		return "", err
	}

	resp, err := readLine(r)
	if err != nil {
		return "", err
	}
	guid, ok := strings.CutPrefix(resp, "OK ")
	if !ok || guid == "" {
		return "", &AuthError{Reply: resp}
	}

	if _, err := io.WriteString(w, "BEGIN\r\n"); err != nil {
		return "", err
	}
	return guid, nil
}

// ServerHandshake runs the server side of the SASL EXTERNAL handshake
// over r and w. checkUID is called with the uid claimed by the client,
// and must return an error if the claim is false.
//
// On success, ServerHandshake returns the client's uid and the stream
// is ready for DBus messages.
func ServerHandshake(r *bufio.Reader, w io.Writer, guid string, checkUID func(uint32) error) (uint32, error) {
	nul, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	if nul != 0 {
		return 0, &AuthError{Reason: "missing leading NUL byte"}
	}

	var (
		authed    bool
		uid       uint32
		attempts  int
		writeLine = func(s string) error {
			_, err := io.WriteString(w, s+"\r\n")
			return err
		}
	)
	for {
		line, err := readLine(r)
		if err != nil {
			return 0, err
		}
		cmd, arg, _ := strings.Cut(line, " ")
		switch cmd {
		case "AUTH":
			attempts++
			if attempts > 8 {
				return 0, &AuthError{Reason: "too many authentication attempts"}
			}
			mech, resp, _ := strings.Cut(arg, " ")
			if mech != "EXTERNAL" || resp == "" {
				if err := writeLine("REJECTED EXTERNAL"); err != nil {
					return 0, err
				}
				continue
			}
			claimed, err := parseUID(resp)
			if err == nil {
				err = checkUID(claimed)
			}
			if err != nil {
				if err := writeLine("REJECTED EXTERNAL"); err != nil {
					return 0, err
				}
				continue
			}
			authed, uid = true, claimed
			if err := writeLine("OK " + guid); err != nil {
				return 0, err
			}
		case "BEGIN":
			if !authed {
				return 0, &AuthError{Reason: "BEGIN before successful AUTH"}
			}
			return uid, nil
		case "CANCEL":
			authed = false
			if err := writeLine("REJECTED EXTERNAL"); err != nil {
				return 0, err
			}
		default:
			// Includes NEGOTIATE_UNIX_FD, file descriptor passing is
			// not supported.
			if err := writeLine("ERROR unsupported command"); err != nil {
				return 0, err
			}
		}
	}
}

func parseUID(hexUID string) (uint32, error) {
	bs, err := hex.DecodeString(hexUID)
	if err != nil {
		return 0, err
	}
	uid, err := strconv.ParseUint(string(bs), 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(uid), nil
}

func readLine(r *bufio.Reader) (string, error) {
	var b strings.Builder
	for {
		frag, err := r.ReadSlice('\n')
		b.Write(frag)
		if b.Len() > maxLineLen {
			return "", &AuthError{Reason: "handshake line too long"}
		}
		if err == nil {
			break
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return "", err
		}
	}
	line, ok := strings.CutSuffix(b.String(), "\r\n")
	if !ok {
		return "", &AuthError{Reason: "handshake line not terminated by CRLF"}
	}
	return line, nil
}
