package monitor

import "fmt"

// ErrKeywordExists is returned when a keyword with the same term already
// exists.
type ErrKeywordExists struct {
	Term string
}

func (e *ErrKeywordExists) Error() string {
	return fmt.Sprintf("monitor: keyword already exists: %s", e.Term)
}

// ErrRegionExists is returned when a region with the same slug already
// exists.
type ErrRegionExists struct {
	Slug string
}

func (e *ErrRegionExists) Error() string {
	return fmt.Sprintf("monitor: region already exists: %s", e.Slug)
}
