package probe

import "sort"

// Opener constructs a Probe from a Selector, once the caller already knows
// which Kind to use (typically because ListAll reported it).
type Opener func(sel Selector) (*Probe, error)

// Registry is the stateless probe enumerator described in SPEC_FULL §4: it
// holds no process state of its own, only a static table mapping a Kind to
// the backend's enumerate/open functions. Each probe/<backend> package
// registers itself from an init().
type Registry struct {
	enumerators map[Kind]func() ([]Info, error)
	openers     map[Kind]Opener
}

var std = &Registry{
	enumerators: make(map[Kind]func() ([]Info, error)),
	openers:     make(map[Kind]Opener),
}

// Register is called by each backend package's init() to advertise its
// enumerate/open functions under a Kind.
func Register(kind Kind, enumerate func() ([]Info, error), open Opener) {
	std.enumerators[kind] = enumerate
	std.openers[kind] = open
}

// ListAll probes every registered backend and returns every device found,
// sorted for stable output (spec §4.1).
func ListAll() ([]Info, error) {
	var out []Info
	for _, enumerate := range std.enumerators {
		infos, err := enumerate()
		if err != nil {
			continue // one backend's enumeration failure must not hide the rest
		}
		out = append(out, infos...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out, nil
}

// Open resolves the registered Opener for info.Kind and opens it.
func Open(info Info) (*Probe, error) {
	open, ok := std.openers[info.Kind]
	if !ok {
		return nil, errKindNotRegistered(info.Kind)
	}
	return open(info.Selector)
}

type errKindNotRegistered Kind

func (e errKindNotRegistered) Error() string {
	return "probe: no backend registered for kind " + string(e)
}
