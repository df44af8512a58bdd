package entity

import (
	"fmt"
	"math/bits"
	"time"
)

// Counters holds the global registry totals. Every field only grows, and
// only successful creations and observations make it grow.
type Counters struct {
	TotalRepos          uint64     `json:"total_repos"`
	TotalModules        uint64     `json:"total_modules"`
	TotalForks          uint64     `json:"total_forks"`
	TotalObservations   uint64     `json:"total_observations"`
	TotalLinesOfCode    uint64     `json:"total_lines_of_code"`
	TotalFilesProcessed uint64     `json:"total_files_processed"`
	LastObservationAt   *time.Time `json:"last_observation_at,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// CounterEvent names a counter increment.
type CounterEvent string

const (
	CountRepoCreated   CounterEvent = "repo_created"
	CountModuleCreated CounterEvent = "module_created"
	CountForkCreated   CounterEvent = "fork_created"
)

// Increment bumps the counter matching ev. Unknown events are ignored.
func (c *Counters) Increment(ev CounterEvent, at time.Time) error {
	var target *uint64
	switch ev {
	case CountRepoCreated:
		target = &c.TotalRepos
	case CountModuleCreated:
		target = &c.TotalModules
	case CountForkCreated:
		target = &c.TotalForks
	default:
		return nil
	}
	n, err := addCounter(string(ev), *target, 1)
	if err != nil {
		return err
	}
	*target = n
	c.UpdatedAt = at
	return nil
}

// RecordObservation adds one observation's totals, rejecting oversized data.
func (c *Counters) RecordObservation(linesOfCode, files uint64, at time.Time) error {
	if err := checkObservation(linesOfCode, files); err != nil {
		return err
	}
	obs, err := addCounter("total_observations", c.TotalObservations, 1)
	if err != nil {
		return err
	}
	loc, err := addCounter("total_lines_of_code", c.TotalLinesOfCode, linesOfCode)
	if err != nil {
		return err
	}
	nfiles, err := addCounter("total_files_processed", c.TotalFilesProcessed, files)
	if err != nil {
		return err
	}
	c.TotalObservations, c.TotalLinesOfCode, c.TotalFilesProcessed = obs, loc, nfiles
	c.LastObservationAt = laterOf(c.LastObservationAt, at)
	c.UpdatedAt = at
	return nil
}

// addCounter returns cur+n, refusing to wrap.
func addCounter(name string, cur, n uint64) (uint64, error) {
	sum, carry := bits.Add64(cur, n, 0)
	if carry != 0 {
		return cur, fmt.Errorf("%s: %w", name, ErrCounterOverflow)
	}
	return sum, nil
}

// LedgerConfig is the deployment-wide registry configuration.
type LedgerConfig struct {
	IsActive          bool      `json:"is_active"`
	MaxModulesPerRepo uint32    `json:"max_modules_per_repo"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// DefaultLedgerConfig returns the configuration used before one is stored.
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{IsActive: true, MaxModulesPerRepo: 256}
}

// LedgerConfigUpdate is a partial update of LedgerConfig.
type LedgerConfigUpdate struct {
	IsActive          Optional[bool]   `json:"is_active,omitzero"`
	MaxModulesPerRepo Optional[uint32] `json:"max_modules_per_repo,omitzero"`
}

// Apply merges u into c.
func (u LedgerConfigUpdate) Apply(c *LedgerConfig, now time.Time) bool {
	changed := u.IsActive.ApplyTo(&c.IsActive)
	changed = u.MaxModulesPerRepo.ApplyTo(&c.MaxModulesPerRepo) || changed
	if changed {
		c.UpdatedAt = now
	}
	return changed
}
