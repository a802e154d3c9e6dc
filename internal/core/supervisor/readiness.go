package supervisor

import (
	"bufio"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

const tailLines = 5

// readinessWatcher drains the client's merged output line by line and closes matched on the
// first line that matches pattern. It keeps draining afterwards so the child never blocks on a
// full pipe.
type readinessWatcher struct {
	r       io.ReadCloser
	pattern *regexp.Regexp
	matched chan struct{}
	drained chan struct{}

	mu    sync.Mutex
	lines []string
}

func newReadinessWatcher(r io.ReadCloser, pattern *regexp.Regexp) *readinessWatcher {
	w := &readinessWatcher{
		r:       r,
		pattern: pattern,
		matched: make(chan struct{}),
		drained: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *readinessWatcher) run() {
	defer close(w.drained)

	scanner := bufio.NewScanner(w.r)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	matched := false
	for scanner.Scan() {
		line := scanner.Text()
		w.remember(line)
		if !matched && w.pattern != nil && w.pattern.MatchString(line) {
			matched = true
			close(w.matched)
		}
	}
	if scanner.Err() != nil {
		// Oversized line: keep the pipe flowing without further matching.
		_, _ = io.Copy(io.Discard, w.r)
	}
}

func (w *readinessWatcher) remember(line string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lines = append(w.lines, line)
	if len(w.lines) > tailLines {
		w.lines = w.lines[len(w.lines)-tailLines:]
	}
}

func (w *readinessWatcher) tail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.Join(w.lines, " | ")
}

func (w *readinessWatcher) waitDrained(d time.Duration) {
	select {
	case <-w.drained:
	case <-time.After(d):
	}
}

func (w *readinessWatcher) close() {
	_ = w.r.Close()
}

// portOpen reports whether something accepts connections on the local SOCKS port.
func portOpen(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 200*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
