package locking

import (
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dreamware/sectioning/internal/logging"
)

// Property suffixes looked up as "<action>.<suffix>".
const (
	PropLockStudents           = "LockStudents"
	PropLockOfferings          = "LockOfferings"
	PropExcludeLockedOfferings = "ExcludeLockedOfferings"
)

// ActionConfig tells the facade what an action must lock.
type ActionConfig struct {
	LockStudents           bool
	LockOfferings          bool
	ExcludeLockedOfferings bool
}

// ActionSettings resolves per-action lock flags from a flat property map.
// Missing or malformed values resolve to true.
type ActionSettings struct {
	props map[string]string
	log   zerolog.Logger

	mu     sync.Mutex
	warned map[string]struct{}
}

// NewActionSettings copies props; later changes to the map are not observed.
func NewActionSettings(props map[string]string) *ActionSettings {
	cp := make(map[string]string, len(props))
	for k, v := range props {
		cp[k] = v
	}
	return &ActionSettings{
		props:  cp,
		log:    logging.For("locking"),
		warned: make(map[string]struct{}),
	}
}

// For returns the lock configuration of an action.
func (s *ActionSettings) For(action string) ActionConfig {
	return ActionConfig{
		LockStudents:           s.flag(action, PropLockStudents),
		LockOfferings:          s.flag(action, PropLockOfferings),
		ExcludeLockedOfferings: s.flag(action, PropExcludeLockedOfferings),
	}
}

func (s *ActionSettings) flag(action, name string) bool {
	if s == nil {
		return true
	}
	key := action + "." + name
	raw, ok := s.props[key]
	if !ok {
		return true
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		s.warnOnce(key, raw)
		return true
	}
	return v
}

func (s *ActionSettings) warnOnce(key, raw string) {
	s.mu.Lock()
	_, seen := s.warned[key]
	s.warned[key] = struct{}{}
	s.mu.Unlock()
	if !seen {
		s.log.Warn().Str("property", key).Str("value", raw).Msg("malformed lock flag, locking everything")
	}
}
