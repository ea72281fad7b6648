package arena

import "go.uber.org/multierr"

// Resource is a releasable arena resource.
type Resource interface {
	Stage() Stage
	Release() error
}

// Scope is a stack of acquired resources released in reverse order.
//
// Scope is not safe for concurrent use; the Arena serialises access.
type Scope struct {
	resources []Resource
}

// Push records a newly acquired resource.
func (s *Scope) Push(r Resource) {
	s.resources = append(s.resources, r)
}

// Len returns the number of live resources.
func (s *Scope) Len() int {
	return len(s.resources)
}

// Stages returns the stages of the live resources in acquisition order.
func (s *Scope) Stages() []Stage {
	stages := make([]Stage, len(s.resources))
	for i, r := range s.resources {
		stages[i] = r.Stage()
	}
	return stages
}

// Unwind releases every resource, last acquired first. Release errors do not
// stop the unwind; they are combined into the returned error.
func (s *Scope) Unwind() error {
	var err error
	for i := len(s.resources) - 1; i >= 0; i-- {
		err = multierr.Append(err, s.resources[i].Release())
	}
	s.resources = nil
	return err
}
