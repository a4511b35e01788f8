// Package statedump writes and reads the suite state-dump file that carries
// broadcast overrides across scheduler restarts.
//
// The file is line oriented, one "key : value" entry per line:
//
//	suite : forecast
//	run : run_0f8c...
//	time : 2020-01-01T06:00:00Z
//	broadcast : cyclecast-broadcast/v1 {...}
package statedump

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const sep = " : "

// ErrNoBroadcast is returned by Read when the file has no broadcast entry.
var ErrNoBroadcast = errors.New("state dump has no broadcast entry")

// Dumper writes one newline-terminated broadcast entry.
type Dumper interface {
	Dump(w io.Writer) error
}

// Header describes the run a state dump belongs to.
type Header struct {
	Suite string
	RunID string
	Time  time.Time
}

// State is a parsed state-dump file.
type State struct {
	Header
	// Broadcast is the newline-terminated entry written by Store.Dump.
	Broadcast []byte
}

// Write atomically replaces the state dump at path.
func Write(path string, h Header, d Dumper) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "suite%s%s\n", sep, h.Suite)
	fmt.Fprintf(&buf, "run%s%s\n", sep, h.RunID)
	fmt.Fprintf(&buf, "time%s%s\n", sep, h.Time.UTC().Format(time.RFC3339))
	buf.WriteString("broadcast" + sep)
	if err := d.Dump(&buf); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create state dump: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write state dump: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync state dump: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state dump: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace state dump: %w", err)
	}
	return nil
}

// Read parses the state dump at path.
func Read(path string) (*State, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open state dump: %w", err)
	}
	defer f.Close()

	st := &State{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		key, value, ok := strings.Cut(line, sep)
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "suite":
			st.Suite = value
		case "run":
			st.RunID = value
		case "time":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				st.Time = t
			}
		case "broadcast":
			st.Broadcast = []byte(value + "\n")
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read state dump: %w", err)
	}
	if st.Broadcast == nil {
		return st, ErrNoBroadcast
	}
	return st, nil
}
