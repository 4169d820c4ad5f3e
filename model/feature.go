package model

// Feature is a displayable point for one satellite. ID is the ordinal
// assigned at load time and equals load order, starting at zero.
type Feature struct {
	ID         int
	ElementSet ElementSet
	Designator Designator
	Position   ObservedPosition
}
