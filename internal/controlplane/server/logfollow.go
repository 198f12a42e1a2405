package server

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"strings"
)

// logFollower reads lines appended to a process log. The log is rotated
// once it grows past its size limit, so poll reopens the path when it names
// a new file or the file shrank under the read offset.
type logFollower struct {
	path    string
	f       *os.File
	offset  int64
	pending []byte
	buf     []byte
}

func newLogFollower(path string) *logFollower {
	return &logFollower{path: path, buf: make([]byte, 32*1024)}
}

// open opens the log, positioned at its end when fromEnd is set. A missing
// file is not an error: ok is false and poll keeps trying.
func (l *logFollower) open(fromEnd bool) (ok bool, err error) {
	l.close()
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var off int64
	if fromEnd {
		if off, err = f.Seek(0, io.SeekEnd); err != nil {
			_ = f.Close()
			return false, err
		}
	}
	l.f, l.offset, l.pending = f, off, l.pending[:0]
	return true, nil
}

func (l *logFollower) close() {
	if l.f != nil {
		_ = l.f.Close()
		l.f = nil
	}
}

func (l *logFollower) replaced() bool {
	cur, err := os.Stat(l.path)
	if err != nil {
		return false
	}
	st, err := l.f.Stat()
	if err != nil {
		return true
	}
	return !os.SameFile(cur, st) || cur.Size() < l.offset
}

// poll returns the complete lines written since the last call.
func (l *logFollower) poll() ([]string, error) {
	if l.f == nil || l.replaced() {
		ok, err := l.open(false)
		if !ok || err != nil {
			return nil, err
		}
	}
	var lines []string
	for {
		n, err := l.f.Read(l.buf)
		l.offset += int64(n)
		l.pending = append(l.pending, l.buf[:n]...)
		for {
			i := bytes.IndexByte(l.pending, '\n')
			if i < 0 {
				break
			}
			lines = append(lines, strings.TrimRight(string(l.pending[:i]), "\r"))
			l.pending = l.pending[i+1:]
		}
		if err == io.EOF || n == 0 {
			return lines, nil
		}
		if err != nil {
			return lines, err
		}
	}
}

// tailLines returns up to n last lines among the final maxBytes of the file.
// A line cut by the maxBytes window is dropped.
func tailLines(path string, n int, maxBytes int64) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	skipFirst := false
	if st.Size() > maxBytes {
		// start one byte early: if that byte is a newline the window begins on a line boundary
		if _, err := f.Seek(st.Size()-maxBytes-1, io.SeekStart); err != nil {
			return nil, err
		}
		skipFirst = true
	}

	ring := make([]string, 0, n)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), int(maxBytes)+1)
	for sc.Scan() {
		if skipFirst {
			skipFirst = false
			continue
		}
		if len(ring) == n {
			copy(ring, ring[1:])
			ring = ring[:n-1]
		}
		ring = append(ring, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return ring, nil
}

// escapeSSE keeps one log line in one SSE data field.
func escapeSSE(s string) string {
	return strings.NewReplacer("\r", `\r`, "\n", `\n`).Replace(s)
}
