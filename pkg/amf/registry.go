package amf

import (
	"fmt"
	"strings"
	"sync"
)

// Traits describes the layout shared by instances of a typed object.
type Traits struct {
	ClassName      string
	Members        []string // sealed members, in wire order
	Dynamic        bool
	Externalizable bool
}

// Key is a canonical string for value-equality comparison of traits.
func (t *Traits) Key() string {
	var b strings.Builder
	b.WriteString(t.ClassName)
	b.WriteByte(0)
	if t.Dynamic {
		b.WriteByte('d')
	}
	if t.Externalizable {
		b.WriteByte('e')
	}
	for _, m := range t.Members {
		b.WriteByte(0)
		b.WriteString(m)
	}
	return b.String()
}

// Equal reports whether two traits describe the same layout.
func (t *Traits) Equal(o *Traits) bool {
	if t == nil || o == nil {
		return t == o
	}
	return t.Key() == o.Key()
}

// Registry maps class names to traits for typed objects. Both lookups are
// pure and must not be visible to the codec as side effects.
type Registry interface {
	LookupTraits(className string) (*Traits, bool)
	LookupClassName(t *Traits) (string, bool)
}

// ClassRegistry is an in-memory Registry safe for concurrent use.
type ClassRegistry struct {
	mu      sync.RWMutex
	byName  map[string]*Traits
	byTrait map[string]string
}

func NewClassRegistry() *ClassRegistry {
	return &ClassRegistry{
		byName:  make(map[string]*Traits),
		byTrait: make(map[string]string),
	}
}

// Register adds or replaces the traits of a class.
func (r *ClassRegistry) Register(t *Traits) error {
	if t == nil || t.ClassName == "" {
		return fmt.Errorf("register traits: %w: empty class name", ErrMalformed)
	}
	seen := make(map[string]struct{}, len(t.Members))
	for _, m := range t.Members {
		if _, dup := seen[m]; dup {
			return fmt.Errorf("register %s: %w: duplicate member %q", t.ClassName, ErrMalformed, m)
		}
		seen[m] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byName[t.ClassName]; ok {
		delete(r.byTrait, layoutKey(old))
	}
	r.byName[t.ClassName] = t
	r.byTrait[layoutKey(t)] = t.ClassName
	return nil
}

// MustRegister is Register for static tables.
func (r *ClassRegistry) MustRegister(traits ...*Traits) *ClassRegistry {
	for _, t := range traits {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}

func (r *ClassRegistry) LookupTraits(className string) (*Traits, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[className]
	return t, ok
}

func (r *ClassRegistry) LookupClassName(t *Traits) (string, bool) {
	if t == nil {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byTrait[layoutKey(t)]
	return name, ok
}

// layoutKey ignores the class name so that anonymous traits with a known
// member layout resolve to their class.
func layoutKey(t *Traits) string {
	anon := *t
	anon.ClassName = ""
	return anon.Key()
}

// Classes returns the registered class names.
func (r *ClassRegistry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	return names
}

// ResolveClass checks a class name against reg. A nil registry accepts
// every class and returns nil traits.
func ResolveClass(reg Registry, className string) (*Traits, error) {
	if reg == nil || className == "" {
		return nil, nil
	}
	t, ok := reg.LookupTraits(className)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownClass, className)
	}
	return t, nil
}

// ObjectClass resolves the class name and traits to encode o with. Anonymous
// traits are named through reg when their layout is registered.
func ObjectClass(reg Registry, o *Object) (string, *Traits, error) {
	name := o.Class()
	if name == "" && o.Traits != nil && reg != nil {
		if n, ok := reg.LookupClassName(o.Traits); ok {
			name = n
		}
	}
	if name == "" {
		return "", o.Traits, nil
	}
	registered, err := ResolveClass(reg, name)
	if err != nil {
		return "", nil, err
	}
	if o.Traits != nil {
		return name, o.Traits, nil
	}
	return name, registered, nil
}

// CheckTraits verifies that traits read from a stream describe the same
// layout as the traits registered for their class, and returns the
// registered traits. Without a registry or a class name it returns t.
func CheckTraits(reg Registry, t *Traits) (*Traits, error) {
	registered, err := ResolveClass(reg, t.ClassName)
	if err != nil {
		return nil, err
	}
	if registered == nil {
		return t, nil
	}
	if !registered.Equal(t) {
		return nil, fmt.Errorf("%w: %s traits %v do not match registered %v",
			ErrMalformed, t.ClassName, describe(t), describe(registered))
	}
	return registered, nil
}

func describe(t *Traits) string {
	switch {
	case t.Externalizable:
		return "externalizable"
	case t.Dynamic:
		return fmt.Sprintf("dynamic %v", t.Members)
	}
	return fmt.Sprintf("sealed %v", t.Members)
}

// CheckSealed verifies that props start with the sealed members of t in
// order, and that extra properties only appear on dynamic traits.
func CheckSealed(className string, t *Traits, props []Property) error {
	if t == nil {
		return nil
	}
	if len(props) < len(t.Members) {
		return fmt.Errorf("%w: %s has %d properties but %d sealed members",
			ErrMalformed, className, len(props), len(t.Members))
	}
	for i, m := range t.Members {
		if props[i].Key != m {
			return fmt.Errorf("%w: %s property %d is %q, sealed member is %q",
				ErrMalformed, className, i, props[i].Key, m)
		}
	}
	if !t.Dynamic && len(props) > len(t.Members) {
		return fmt.Errorf("%w: %s is sealed but has %d extra properties",
			ErrMalformed, className, len(props)-len(t.Members))
	}
	return nil
}
