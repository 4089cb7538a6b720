package skill

import (
	"errors"
	"fmt"
	log "log/slog"

	"github.com/hashicorp/go-multierror"

	"calico/internal/metrics"
)

var (
	// ErrConfig marks a fatal skill configuration problem.
	ErrConfig          = errors.New("invalid skill configuration")
	ErrNoIntent        = errors.New("skill has no intent")
	ErrDuplicateIntent = errors.New("intent bound more than once")
)

// Registry maps intent names to loaded skills. It is immutable after Load.
type Registry struct {
	skills   []Skill
	byIntent map[string]Skill
	primary  []string
	failed   []string
	failures *multierror.Error
}

// Load builds the registry from regs, applying the manifests found in dir.
// Binding conflicts are fatal. Skills whose constructor fails are logged
// and left out; the others still load.
func Load(dir string, regs []Registration, env Env) (*Registry, error) {
	manifests, err := ReadManifests(dir)
	if err != nil {
		return nil, err
	}

	descs, err := resolveBindings(regs, manifests)
	if err != nil {
		return nil, err
	}

	r := &Registry{byIntent: make(map[string]Skill)}
	for i, reg := range regs {
		d, enabled := descs[i]
		if !enabled {
			log.Info("Skill disabled by manifest", "skill", reg.Name)
			continue
		}

		s, err := construct(reg, d, env)
		if err != nil {
			log.Error("Failed to load skill", "skill", reg.Name, "intent", d.Intent, "err", err)
			metrics.SkillLoadFailures.Inc()
			r.failed = append(r.failed, reg.Name)
			r.failures = multierror.Append(r.failures, fmt.Errorf("skill %s: %w", reg.Name, err))
			continue
		}

		r.skills = append(r.skills, s)
		r.primary = append(r.primary, d.Intent)
		for _, intent := range d.Intents() {
			r.byIntent[intent] = s
		}
		log.Debug("Loaded skill", "skill", reg.Name, "intents", d.Intents())
	}

	if len(r.skills) == 0 {
		log.Warn("No skills loaded")
	} else {
		log.Info("Skills loaded", "count", len(r.skills), "failed", len(r.failed))
	}
	return r, nil
}

// resolveBindings applies manifests and validates the resulting intent
// bindings. The returned map is keyed by registration index and omits
// disabled registrations.
func resolveBindings(regs []Registration, manifests []Manifest) (map[int]Descriptor, error) {
	index := make(map[string]int, len(regs))
	for i, reg := range regs {
		if reg.Name == "" {
			return nil, fmt.Errorf("%w: registration %d has no name", ErrConfig, i)
		}
		if _, dup := index[reg.Name]; dup {
			return nil, fmt.Errorf("%w: skill %s registered twice", ErrConfig, reg.Name)
		}
		if reg.New == nil {
			return nil, fmt.Errorf("%w: skill %s has no constructor", ErrConfig, reg.Name)
		}
		index[reg.Name] = i
	}

	descs := make(map[int]Descriptor, len(regs))
	for i, reg := range regs {
		descs[i] = reg.descriptor()
	}

	for _, m := range manifests {
		i, ok := index[m.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s: unknown skill %q", ErrConfig, m.path, m.Name)
		}
		if m.Disabled {
			delete(descs, i)
			continue
		}
		descs[i] = m.apply(descs[i])
	}

	owner := make(map[string]string)
	for i := range regs {
		d, ok := descs[i]
		if !ok {
			continue
		}
		if d.Intent == "" {
			return nil, fmt.Errorf("%w: %w: %s", ErrConfig, ErrNoIntent, d.Name)
		}
		for _, intent := range d.Intents() {
			if prev, taken := owner[intent]; taken {
				return nil, fmt.Errorf("%w: %w: %s claimed by %s and %s", ErrConfig, ErrDuplicateIntent, intent, prev, d.Name)
			}
			owner[intent] = d.Name
		}
	}

	return descs, nil
}

func construct(reg Registration, d Descriptor, env Env) (s Skill, err error) {
	defer func() {
		if r := recover(); r != nil {
			s, err = nil, fmt.Errorf("constructor panicked: %v", r)
		}
	}()

	env.Descriptor = d
	if env.Logs != nil {
		env.Logger = env.Logs(d.Intent)
	} else {
		env.Logger = log.Default().With("skill", d.Name)
	}

	s, err = reg.New(env)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, errors.New("constructor returned no skill")
	}
	return s, nil
}

// Resolve returns the skill bound to intent, primary or answer.
func (r *Registry) Resolve(intent string) (Skill, bool) {
	s, ok := r.byIntent[intent]
	return s, ok
}

// Skills returns the loaded skills in registration order.
func (r *Registry) Skills() []Skill {
	return append([]Skill(nil), r.skills...)
}

// Intents returns the primary intents of the loaded skills.
func (r *Registry) Intents() []string {
	return append([]string(nil), r.primary...)
}

// Failed names the registrations whose constructor failed.
func (r *Registry) Failed() []string {
	return append([]string(nil), r.failed...)
}

// Failures aggregates constructor errors, or nil if every skill loaded.
func (r *Registry) Failures() error {
	return r.failures.ErrorOrNil()
}
