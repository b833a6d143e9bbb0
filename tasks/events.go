package tasks

import (
	"sort"
	"strconv"

	"github.com/vinayprograms/beekeeper/errors"
	"github.com/vinayprograms/beekeeper/eventlog"
)

// Event kinds written to the task log.
const (
	EventConfigCreate  = "task_config_create"
	EventConfigUpdate  = "task_config_update"
	EventConfigDestroy = "task_config_destroy"
	EventRunCreate     = "task_run_create"
	EventRunUpdate     = "task_run_update"
	EventRunRemove     = "task_run_remove"
	EventHistoryCreate = "history_entry_create"
)

type configCreated struct {
	Config TaskConfig `json:"config"`
}

func (configCreated) EventKind() string { return EventConfigCreate }

func (e configCreated) Validate() error {
	if e.Config.Version < 1 {
		return errors.InvalidInput("version must be positive")
	}
	return e.Config.Validate()
}

type configUpdated struct {
	Config TaskConfig `json:"config"`
}

func (configUpdated) EventKind() string { return EventConfigUpdate }

func (e configUpdated) Validate() error {
	if e.Config.Version < 1 {
		return errors.InvalidInput("version must be positive")
	}
	return e.Config.Validate()
}

type configDestroyed struct {
	Kind Kind   `json:"taskKind"`
	Type string `json:"taskType"`
}

func (configDestroyed) EventKind() string { return EventConfigDestroy }

func (e configDestroyed) Validate() error {
	_, err := Codec.EncodeType(ConfigID{Kind: e.Kind, Type: e.Type}.TypeID())
	return err
}

type runCreated struct {
	Run TaskRun `json:"run"`
}

func (runCreated) EventKind() string { return EventRunCreate }

func (e runCreated) Validate() error {
	id, err := Codec.DecodeInstance(e.Run.ID)
	if err != nil {
		return err
	}
	if id.Kind != e.Run.Kind || id.Type != e.Run.Type || id.Num != e.Run.Num || id.Version != e.Run.Version {
		return errors.Format("run fields do not match id " + e.Run.ID)
	}
	if !e.Run.RunKind.Valid() {
		return errors.Format("unknown run kind " + string(e.Run.RunKind))
	}
	return nil
}

type runUpdated struct {
	RunID string   `json:"runId"`
	State RunState `json:"state"`
}

func (runUpdated) EventKind() string { return EventRunUpdate }

func (e runUpdated) Validate() error {
	if _, err := Codec.DecodeInstance(e.RunID); err != nil {
		return err
	}
	if e.State.Status == "" {
		return errors.Format("run update without status")
	}
	return nil
}

type runRemoved struct {
	RunID string `json:"runId"`
}

func (runRemoved) EventKind() string { return EventRunRemove }

func (e runRemoved) Validate() error {
	_, err := Codec.DecodeInstance(e.RunID)
	return err
}

type historyCreated struct {
	RunID string       `json:"runId"`
	Entry HistoryEntry `json:"entry"`
}

func (historyCreated) EventKind() string { return EventHistoryCreate }

func (e historyCreated) Validate() error {
	if _, err := Codec.DecodeInstance(e.RunID); err != nil {
		return err
	}
	if e.Entry.ID == "" || e.Entry.Status == "" {
		return errors.Format("history entry needs an id and a status")
	}
	return nil
}

// --- Reducer ---

type typeState struct {
	versions    map[int]*versionState
	latest      int // 0 while destroyed
	lastVersion int
}

func (t *typeState) live() bool {
	return t != nil && t.latest > 0
}

type versionState struct {
	config  TaskConfig
	nextNum int
}

// state is the task log projection shared by the manager and Projection.
type state struct {
	types map[string]*typeState
	runs  map[string]*TaskRun
	seq   int64
}

func newState() *state {
	s := &state{}
	s.Reset()
	return s
}

func typeKey(kind Kind, typ string) string {
	return string(kind) + ":" + typ
}

// Reset implements eventlog.Reducer.
func (s *state) Reset() {
	s.types = make(map[string]*typeState)
	s.runs = make(map[string]*TaskRun)
	s.seq = 0
}

// Apply implements eventlog.Reducer.
func (s *state) Apply(e eventlog.Entry) error {
	switch e.Kind {
	case EventConfigCreate:
		var ev configCreated
		if err := e.Decode(&ev); err != nil {
			return err
		}
		return s.applyConfig(ev.Config, e, true)

	case EventConfigUpdate:
		var ev configUpdated
		if err := e.Decode(&ev); err != nil {
			return err
		}
		return s.applyConfig(ev.Config, e, false)

	case EventConfigDestroy:
		var ev configDestroyed
		if err := e.Decode(&ev); err != nil {
			return err
		}
		key := typeKey(ev.Kind, ev.Type)
		ts := s.types[key]
		if !ts.live() {
			return errors.NotFound("task config " + key)
		}
		for _, r := range s.runs {
			if r.Kind == ev.Kind && r.Type == ev.Type && !r.Status.IsTerminal() {
				return errors.Conflict("task config " + key + " has active run " + r.ID)
			}
		}
		ts.versions = make(map[int]*versionState)
		ts.latest = 0
		return nil

	case EventRunCreate:
		var ev runCreated
		if err := e.Decode(&ev); err != nil {
			return err
		}
		return s.applyRunCreate(ev.Run, e)

	case EventRunUpdate:
		var ev runUpdated
		if err := e.Decode(&ev); err != nil {
			return err
		}
		r, err := s.run(ev.RunID)
		if err != nil {
			return err
		}
		r.RunState = ev.State
		r.UpdatedAt = e.Timestamp
		return nil

	case EventRunRemove:
		var ev runRemoved
		if err := e.Decode(&ev); err != nil {
			return err
		}
		r, err := s.run(ev.RunID)
		if err != nil {
			return err
		}
		if !r.Status.IsTerminal() {
			return errors.Conflict("run " + r.ID + " is not terminal")
		}
		for _, id := range r.BlockedBy {
			if b, ok := s.runs[id]; ok {
				b.Blocking = without(b.Blocking, r.ID)
			}
		}
		delete(s.runs, r.ID)
		return nil

	case EventHistoryCreate:
		var ev historyCreated
		if err := e.Decode(&ev); err != nil {
			return err
		}
		r, err := s.run(ev.RunID)
		if err != nil {
			return err
		}
		r.History = append(r.History, ev.Entry)
		return nil

	default:
		return errors.Format("unknown task event kind " + e.Kind)
	}
}

func (s *state) applyConfig(cfg TaskConfig, e eventlog.Entry, create bool) error {
	key := typeKey(cfg.Kind, cfg.Type)
	ts := s.types[key]
	if create {
		if ts.live() {
			return errors.Conflict("task config " + key + " already exists")
		}
		if ts == nil {
			ts = &typeState{versions: make(map[int]*versionState)}
			s.types[key] = ts
		}
	} else if !ts.live() {
		return errors.NotFound("task config " + key)
	}
	if cfg.Version <= ts.lastVersion {
		return errors.Conflict("task config " + cfg.ID().String() + " is not newer than version " + strconv.Itoa(ts.lastVersion))
	}

	cfg.CreatedAt = e.Timestamp
	ts.versions[cfg.Version] = &versionState{config: cfg, nextNum: 1}
	ts.latest = cfg.Version
	ts.lastVersion = cfg.Version
	return nil
}

func (s *state) applyRunCreate(run TaskRun, e eventlog.Entry) error {
	if _, exists := s.runs[run.ID]; exists {
		return errors.Conflict("run " + run.ID + " already exists")
	}
	vs, err := s.version(run.Kind, run.Type, run.Version)
	if err != nil {
		return err
	}
	if run.Num < vs.nextNum {
		return errors.Conflict("run number " + strconv.Itoa(run.Num) + " already allocated for " + vs.config.ID().String())
	}
	for _, id := range run.BlockedBy {
		if _, ok := s.runs[id]; !ok {
			return errors.Dependency("blocking run " + id + " does not exist")
		}
	}

	run = run.Clone()
	run.Blocking = nil
	run.History = nil
	s.seq++
	run.Seq = s.seq
	run.CreatedAt = e.Timestamp
	run.UpdatedAt = e.Timestamp
	s.runs[run.ID] = &run
	vs.nextNum = run.Num + 1
	for _, id := range run.BlockedBy {
		b := s.runs[id]
		b.Blocking = append(b.Blocking, run.ID)
	}
	return nil
}

// version resolves a live config version; 0 means latest.
func (s *state) version(kind Kind, typ string, version int) (*versionState, error) {
	ts := s.types[typeKey(kind, typ)]
	if !ts.live() {
		return nil, errors.NotFound("task config " + typeKey(kind, typ))
	}
	if version == 0 {
		version = ts.latest
	}
	vs, ok := ts.versions[version]
	if !ok {
		return nil, errors.NotFound("task config " + ConfigID{Kind: kind, Type: typ, Version: version}.String())
	}
	return vs, nil
}

func (s *state) run(runID string) (*TaskRun, error) {
	if _, err := Codec.DecodeInstance(runID); err != nil {
		return nil, err
	}
	r, ok := s.runs[runID]
	if !ok {
		return nil, errors.NotFound("run " + runID)
	}
	return r, nil
}

// config returns the config version a run was created from.
func (s *state) config(r *TaskRun) (TaskConfig, bool) {
	ts := s.types[typeKey(r.Kind, r.Type)]
	if ts == nil {
		return TaskConfig{}, false
	}
	vs, ok := ts.versions[r.Version]
	if !ok {
		return TaskConfig{}, false
	}
	return vs.config, true
}

// ordered returns the runs matching f in creation order.
func (s *state) ordered(f *RunFilter) []*TaskRun {
	out := make([]*TaskRun, 0, len(s.runs))
	for _, r := range s.runs {
		if f.matches(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (s *state) latestConfigs(kind Kind) []TaskConfig {
	keys := make([]string, 0, len(s.types))
	for k, ts := range s.types {
		if ts.live() {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var out []TaskConfig
	for _, k := range keys {
		cfg := s.types[k].versions[s.types[k].latest].config
		if kind == "" || cfg.Kind == kind {
			out = append(out, cfg)
		}
	}
	return out
}

func (s *state) snapshot(f *RunFilter) []TaskRun {
	ordered := s.ordered(f)
	out := make([]TaskRun, 0, len(ordered))
	for _, r := range ordered {
		out = append(out, r.Clone())
	}
	return out
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
