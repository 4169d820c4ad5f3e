package model

// ElementSet is one three-line orbital element record: a common name
// followed by the two fixed-format TLE lines.
type ElementSet struct {
	Name  string
	Line1 string // 69 chars nominal, starts with '1'
	Line2 string // 69 chars nominal, starts with '2'
}

// Designator is the international designator decoded from line 1.
// It is derived on load and never stored on its own.
type Designator struct {
	LaunchYear   int    // four-digit year
	LaunchNumber int    // launch sequence number within the year
	Piece        string // launch piece letters, e.g. "A" or "AB"; informational
}
