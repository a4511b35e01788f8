// Package remote re-executes a command as another user or on another host
// over ssh, so operators can start a suite server from anywhere.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/user"
	"strings"
)

// ErrMissingValue is returned by ParseArgs when -o has no argument.
var ErrMissingValue = errors.New("missing value for -o")

// profilePreamble makes the remote login environment available to the
// forwarded command, as an interactive login would.
const profilePreamble = "for FILE in /etc/profile ~/.profile; do test -f $FILE && . $FILE; done\n"

// Target is where a command should run.
type Target struct {
	Owner string // empty means the current user
	Host  string // empty means this host
}

// ParseArgs extracts --owner=, -o and --host= from args and returns the
// target plus the remaining arguments in order.
func ParseArgs(args []string) (Target, []string, error) {
	var t Target
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case strings.HasPrefix(arg, "--owner="):
			t.Owner = strings.TrimPrefix(arg, "--owner=")
		case arg == "-o":
			if i+1 >= len(args) {
				return t, nil, ErrMissingValue
			}
			i++
			t.Owner = args[i]
		case strings.HasPrefix(arg, "--host="):
			t.Host = strings.TrimPrefix(arg, "--host=")
		default:
			rest = append(rest, arg)
		}
	}
	return t, rest, nil
}

// Env answers the local identity questions Target.IsRemote depends on.
type Env struct {
	CurrentUser func() string
	IsLocalHost func(host string) bool
}

// DefaultEnv inspects the running process and network interfaces.
func DefaultEnv() Env {
	return Env{CurrentUser: currentUser, IsLocalHost: isLocalHost}
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}

// isLocalHost reports whether host names this machine. Unresolvable hosts
// are treated as remote and left for ssh to report.
func isLocalHost(host string) bool {
	if host == "" || host == "localhost" {
		return true
	}
	if name, err := os.Hostname(); err == nil {
		if strings.EqualFold(host, name) || strings.EqualFold(host, strings.SplitN(name, ".", 2)[0]) {
			return true
		}
	}
	addrs, err := net.LookupHost(host)
	if err != nil {
		return false
	}
	local, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		ip := net.ParseIP(a)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() {
			return true
		}
		for _, la := range local {
			if n, ok := la.(*net.IPNet); ok && n.IP.Equal(ip) {
				return true
			}
		}
	}
	return false
}

// IsRemote reports whether t requires re-execution over ssh.
func (t Target) IsRemote(env Env) bool {
	if t.Owner != "" && t.Owner != env.CurrentUser() {
		return true
	}
	return !env.IsLocalHost(t.Host)
}

// Destination returns the ssh destination, user@host or host.
func (t Target) Destination() string {
	host := t.Host
	if host == "" {
		host = "localhost"
	}
	if t.Owner == "" {
		return host
	}
	return t.Owner + "@" + host
}

// Command builds the ssh invocation. The forwarded command is fed to the
// remote shell on stdin after the profile preamble.
func (t Target) Command(ctx context.Context, program string, args []string) (*exec.Cmd, string) {
	cmd := exec.CommandContext(ctx, "ssh", "-oBatchMode=yes", t.Destination(), "/usr/bin/env", "bash")
	script := profilePreamble + shellJoin(append([]string{program}, args...)) + "\n"
	cmd.Stdin = strings.NewReader(script)
	return cmd, script
}

// Run executes program with args on t and waits for it.
func (t Target) Run(ctx context.Context, program string, args []string, stdout, stderr io.Writer, logger *slog.Logger) error {
	cmd, _ := t.Command(ctx, program, args)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	logger.Info("re-executing remotely", "destination", t.Destination(), "program", program)
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("remote command failed: exit %d", exitErr.ExitCode())
		}
		return fmt.Errorf("remote command: %w", err)
	}
	return nil
}

// shellJoin quotes each word for bash.
func shellJoin(words []string) string {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = shellQuote(w)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,@+%", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
