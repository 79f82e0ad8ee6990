// Package filestore provides a read-only RuleStore backed by a YAML rules
// file, for operators who keep triggers and runbooks in git instead of a
// database. The file can be hot-reloaded on change; a reload that fails to
// parse keeps the last good rule set.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/linnemanlabs/go-core/log"
	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/remedy/internal/alert"
	"github.com/linnemanlabs/remedy/internal/remediation"
)

// Store serves triggers and runbooks parsed from a YAML file.
type Store struct {
	path   string
	logger log.Logger

	mu       sync.RWMutex
	triggers []*remediation.Trigger
	runbooks map[string]*remediation.Runbook
}

// ruleFile is the on-disk YAML schema.
type ruleFile struct {
	Triggers []fileTrigger `yaml:"triggers"`
	Runbooks []fileRunbook `yaml:"runbooks"`
}

type fileTrigger struct {
	ID       string    `yaml:"id"`
	Name     string    `yaml:"name"`
	Enabled  *bool     `yaml:"enabled"` // nil means enabled
	Priority int       `yaml:"priority"`
	Runbook  string    `yaml:"runbook"`
	Mode     string    `yaml:"mode"`
	Match    fileMatch `yaml:"match"`
}

type fileMatch struct {
	Name       string                        `yaml:"name"`
	Severities []string                      `yaml:"severities"`
	Labels     []remediation.LabelConstraint `yaml:"labels"`
}

type fileRunbook struct {
	ID               string         `yaml:"id"`
	Name             string         `yaml:"name"`
	ScopeType        string         `yaml:"scope_type"`
	AutoExecute      bool           `yaml:"auto_execute"`
	ApprovalRequired bool           `yaml:"approval_required"`
	RateLimit        *fileRate      `yaml:"rate_limit"`
	Action           map[string]any `yaml:"action"`
}

type fileRate struct {
	Max    int    `yaml:"max"`
	Window string `yaml:"window"` // Go duration string, e.g. "60s"
}

// Load parses the rules file and returns a ready Store.
func Load(path string, logger log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Nop()
	}
	s := &Store{path: path, logger: logger}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// ListEnabledTriggers returns the enabled triggers from the current rule set.
func (s *Store) ListEnabledTriggers(_ context.Context) ([]*remediation.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*remediation.Trigger, 0, len(s.triggers))
	for _, t := range s.triggers {
		if t.Enabled {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

// GetRunbook retrieves a runbook by id from the current rule set.
func (s *Store) GetRunbook(_ context.Context, id string) (*remediation.Runbook, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rb, ok := s.runbooks[id]
	if !ok {
		return nil, false, nil
	}
	cp := *rb
	return &cp, true, nil
}

// Watch reloads the rules file whenever it changes, until the context is
// cancelled. Editors and config management tools often replace the file
// rather than write in place, so the watch is on the parent directory.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if err := s.reload(); err != nil {
				s.logger.Error(ctx, err, "rules reload failed, keeping previous rule set", "path", s.path)
				continue
			}
			s.logger.Info(ctx, "rules reloaded", "path", s.path)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Error(ctx, err, "rules watcher error", "path", s.path)
		}
	}
}

func (s *Store) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read rules file: %w", err)
	}

	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return fmt.Errorf("parse rules file: %w", err)
	}

	triggers, runbooks, err := convert(&rf)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.triggers = triggers
	s.runbooks = runbooks
	s.mu.Unlock()
	return nil
}

func convert(rf *ruleFile) ([]*remediation.Trigger, map[string]*remediation.Runbook, error) {
	runbooks := make(map[string]*remediation.Runbook, len(rf.Runbooks))
	for i := range rf.Runbooks {
		rb, err := convertRunbook(&rf.Runbooks[i])
		if err != nil {
			return nil, nil, err
		}
		if _, dup := runbooks[rb.ID]; dup {
			return nil, nil, fmt.Errorf("duplicate runbook id %q", rb.ID)
		}
		runbooks[rb.ID] = rb
	}

	triggers := make([]*remediation.Trigger, 0, len(rf.Triggers))
	seen := make(map[string]bool, len(rf.Triggers))
	for i := range rf.Triggers {
		t := convertTrigger(&rf.Triggers[i])
		if seen[t.ID] {
			return nil, nil, fmt.Errorf("duplicate trigger id %q", t.ID)
		}
		seen[t.ID] = true
		if err := t.Validate(); err != nil {
			return nil, nil, err
		}
		if _, ok := runbooks[t.RunbookID]; !ok {
			return nil, nil, fmt.Errorf("trigger %s references unknown runbook %q", t.ID, t.RunbookID)
		}
		triggers = append(triggers, t)
	}

	return triggers, runbooks, nil
}

func convertTrigger(ft *fileTrigger) *remediation.Trigger {
	sevs := make([]alert.Severity, 0, len(ft.Match.Severities))
	for _, sv := range ft.Match.Severities {
		sevs = append(sevs, alert.ParseSeverity(sv))
	}
	return &remediation.Trigger{
		ID:        ft.ID,
		Name:      ft.Name,
		Enabled:   ft.Enabled == nil || *ft.Enabled,
		Priority:  ft.Priority,
		RunbookID: ft.Runbook,
		Mode:      remediation.ExecutionMode(ft.Mode),
		Match: remediation.MatchRule{
			NamePattern: ft.Match.Name,
			Severities:  sevs,
			Labels:      ft.Match.Labels,
		},
	}
}

func convertRunbook(fr *fileRunbook) (*remediation.Runbook, error) {
	rb := &remediation.Runbook{
		ID:               fr.ID,
		Name:             fr.Name,
		ScopeType:        fr.ScopeType,
		AutoExecute:      fr.AutoExecute,
		ApprovalRequired: fr.ApprovalRequired,
	}
	if rb.ID == "" {
		return nil, fmt.Errorf("runbook with no id")
	}

	if fr.RateLimit != nil {
		window, err := time.ParseDuration(fr.RateLimit.Window)
		if err != nil {
			return nil, fmt.Errorf("runbook %s: bad rate window %q: %w", fr.ID, fr.RateLimit.Window, err)
		}
		rb.RateLimit = &remediation.RatePolicy{Max: fr.RateLimit.Max, Window: window}
	}

	if fr.Action != nil {
		action, err := json.Marshal(fr.Action)
		if err != nil {
			return nil, fmt.Errorf("runbook %s: encode action: %w", fr.ID, err)
		}
		rb.Action = action
	}

	return rb, nil
}
