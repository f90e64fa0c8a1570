package pool

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrPoolEmpty is returned by Next when no credential is available.
var ErrPoolEmpty = errors.New("credential pool is empty")

// MalformedFormatError reports a credential file line that lacks the
// identifier:secret separator. It aborts pool construction: a corrupt
// credential file is a configuration error, not a runtime condition.
type MalformedFormatError struct {
	Line int
	Text string
}

func (e *MalformedFormatError) Error() string {
	return fmt.Sprintf("malformed credential at line %d: %q (expected email:password)", e.Line, e.Text)
}

// Credential is one mailbox identifier/secret pair.
type Credential struct {
	Email    string
	Password string
}

// Pool allocates mailbox credentials from a line-oriented file. The
// loaded identifiers are partitioned into three disjoint sets: available
// (FIFO, load order), used (terminal success) and failed (terminal
// failure). Once removed from available an identifier never returns.
//
// A Pool instance is safe for use from concurrent pipeline runs within
// one process; cross-process sharing of a credential file is not
// coordinated here.
type Pool struct {
	file   string
	logger *log.Logger

	mu        sync.Mutex
	available []Credential
	used      map[string]struct{}
	failed    map[string]struct{}
}

// Option customizes pool construction.
type Option func(*Pool)

// WithLogger overrides the logger used for pool diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New loads a credential pool from the given file. A missing file is
// created empty; a file containing a line without a separator fails
// construction with a MalformedFormatError.
func New(file string, opts ...Option) (*Pool, error) {
	p := &Pool{
		file:   file,
		logger: log.Default(),
		used:   make(map[string]struct{}),
		failed: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.load(); err != nil {
		return nil, err
	}
	return p, nil
}

// Stats is a point-in-time snapshot of the three partitions.
type Stats struct {
	Available int `json:"available"`
	Used      int `json:"used"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

func (p *Pool) load() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadLocked()
}

func (p *Pool) loadLocked() error {
	f, err := os.Open(p.file)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("open credential file: %w", err)
		}
		p.logger.Printf("credential file %s not found, creating empty file", p.file)
		if dir := filepath.Dir(p.file); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create credential dir: %w", err)
			}
		}
		created, err := os.OpenFile(p.file, os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("create credential file: %w", err)
		}
		return created.Close()
	}
	defer f.Close()

	var (
		loaded  int
		scanner = bufio.NewScanner(f)
		lineNum int
	)
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		email, password, ok := strings.Cut(line, ":")
		if !ok {
			return &MalformedFormatError{Line: lineNum, Text: line}
		}
		email = strings.TrimSpace(email)
		password = strings.TrimSpace(password)

		if !strings.Contains(email, "@") || !strings.Contains(email, ".") {
			p.logger.Printf("skipping invalid email at line %d: %q", lineNum, email)
			continue
		}

		if _, done := p.used[email]; done {
			continue
		}
		if _, done := p.failed[email]; done {
			continue
		}

		p.available = append(p.available, Credential{Email: email, Password: password})
		loaded++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read credential file: %w", err)
	}

	p.logger.Printf("loaded %d available credential(s) from %s (used: %d, failed: %d)",
		loaded, p.file, len(p.used), len(p.failed))
	return nil
}

// Next returns the head of the available set without removing it. The
// caller commits the terminal transition later via MarkUsed or
// MarkFailed once the real outcome is known.
func (p *Pool) Next() (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.available) == 0 {
		return Credential{}, ErrPoolEmpty
	}
	return p.available[0], nil
}

// MarkUsed moves the identifier into the used set. Calling it for an
// identifier that is already terminal or unknown is a no-op.
func (p *Pool) MarkUsed(email string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isTerminalLocked(email) {
		return
	}
	p.used[email] = struct{}{}
	p.removeLocked(email)
	p.logger.Printf("credential %s marked used (%d remaining)", email, len(p.available))
}

// MarkFailed moves the identifier into the failed set. Calling it for an
// identifier that is already terminal or unknown is a no-op.
func (p *Pool) MarkFailed(email string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isTerminalLocked(email) {
		return
	}
	p.failed[email] = struct{}{}
	p.removeLocked(email)
	p.logger.Printf("credential %s marked failed (%d remaining)", email, len(p.available))
}

// Reload re-reads the credential file. Identifiers already recorded as
// used or failed stay terminal even if still present in the file.
func (p *Pool) Reload() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.available = p.available[:0]
	return p.loadLocked()
}

// Stats returns the current partition cardinalities.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Available: len(p.available),
		Used:      len(p.used),
		Failed:    len(p.failed),
		Total:     len(p.available) + len(p.used) + len(p.failed),
	}
}

// Len returns the number of available credentials.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

func (p *Pool) isTerminalLocked(email string) bool {
	if _, ok := p.used[email]; ok {
		return true
	}
	_, ok := p.failed[email]
	return ok
}

func (p *Pool) removeLocked(email string) {
	for i, c := range p.available {
		if c.Email == email {
			p.available = append(p.available[:i], p.available[i+1:]...)
			return
		}
	}
}
