package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/beekeeper/errors"
	"github.com/vinayprograms/beekeeper/registry"
	"github.com/vinayprograms/beekeeper/tasks"
)

// Seed holds the configs to create at boot.
//
//	[[agent]]
//	kind = "operator"
//	type = "coder"
//	max_pool_size = 2
//
//	[[task]]
//	kind = "operator"
//	type = "lint"
//	agent_kind = "operator"
//	agent_type = "coder"
//	interval_ms = 60000
//
//	[[run]]
//	kind = "operator"
//	type = "lint"
type Seed struct {
	Agents []registry.AgentConfig `toml:"agent"`
	Tasks  []tasks.TaskConfig     `toml:"task"`
	Runs   []SeedRun              `toml:"run"`
}

// SeedRun is an automatic run started when its task type is first created.
type SeedRun struct {
	Kind  tasks.Kind `toml:"kind"`
	Type  string     `toml:"type"`
	Input string     `toml:"input"`
}

// Request converts the seed entry into a run request.
func (r SeedRun) Request() tasks.CreateRunRequest {
	return tasks.CreateRunRequest{
		Kind:    r.Kind,
		Type:    r.Type,
		RunKind: tasks.RunAutomatic,
		Input:   r.Input,
	}
}

// LoadSeed reads and validates a seed file.
func LoadSeed(path string) (*Seed, error) {
	var s Seed
	md, err := toml.DecodeFile(path, &s)
	if err != nil {
		return nil, fmt.Errorf("load seed %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, errors.InvalidInput(fmt.Sprintf("unknown seed keys: %v", undecoded))
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks every entry. Task configs without a concurrency mode
// default to EXCLUSIVE, as they do on creation.
func (s *Seed) Validate() error {
	var errs []error
	for i, a := range s.Agents {
		if err := a.Validate(); err != nil {
			errs = append(errs, errors.Wrapf(err, "agent %d", i))
		}
	}
	declared := make(map[string]bool)
	for i := range s.Tasks {
		if s.Tasks[i].ConcurrencyMode == "" {
			s.Tasks[i].ConcurrencyMode = tasks.Exclusive
		}
		if err := s.Tasks[i].Validate(); err != nil {
			errs = append(errs, errors.Wrapf(err, "task %d", i))
			continue
		}
		declared[string(s.Tasks[i].Kind)+":"+s.Tasks[i].Type] = true
	}
	for i, r := range s.Runs {
		if !declared[string(r.Kind)+":"+r.Type] {
			errs = append(errs, errors.InvalidInput(fmt.Sprintf("run %d: task type %s:%s is not declared", i, r.Kind, r.Type)))
		}
	}
	return errors.Join(errs...)
}
