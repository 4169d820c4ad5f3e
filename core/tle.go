package core

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/signalsfoundry/satellite-globe/model"
)

// MinTLELineLength is the number of data columns a TLE line must carry.
// Column 69 (the checksum) is tolerated as missing since it is never read.
const MinTLELineLength = 68

// launchYearPivot splits two-digit launch years between centuries:
// values at or above it are 19xx, the rest 20xx.
const launchYearPivot = 57

// ParseError reports a malformed element-set record. It is record-scoped:
// callers skip the record and keep loading.
type ParseError struct {
	Record int // zero-based record index, -1 when not known
	Name   string
	Field  string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	var b strings.Builder
	b.WriteString("parse element set")
	if e.Record >= 0 {
		fmt.Fprintf(&b, " #%d", e.Record)
	}
	if e.Name != "" {
		fmt.Fprintf(&b, " %q", e.Name)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, ": %s", e.Field)
	}
	fmt.Fprintf(&b, ": %s", e.Reason)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ParseError) Unwrap() error { return e.Err }

// ParseElementSets splits raw text into three-line records (name, line 1,
// line 2). The record count is floor(lines/3); a trailing partial record
// is dropped. Every line is trimmed of surrounding whitespace. Checksums
// and line formats are not checked here, see ValidateElementSet.
func ParseElementSets(text string) []model.ElementSet {
	if text == "" {
		return []model.ElementSet{}
	}
	lines := strings.Split(text, "\n")
	count := len(lines) / 3

	sets := make([]model.ElementSet, 0, count)
	for i := 0; i < count; i++ {
		sets = append(sets, model.ElementSet{
			Name:  strings.TrimSpace(lines[i*3]),
			Line1: strings.TrimSpace(lines[i*3+1]),
			Line2: strings.TrimSpace(lines[i*3+2]),
		})
	}
	return sets
}

// ValidateElementSet checks the line-number invariant and every numeric
// field the propagator reads, so that a malformed record is rejected here
// instead of reaching go-satellite.
func ValidateElementSet(es model.ElementSet) error {
	if err := checkLine(es, "line1", es.Line1, '1'); err != nil {
		return err
	}
	if err := checkLine(es, "line2", es.Line2, '2'); err != nil {
		return err
	}

	l1, l2 := es.Line1, es.Line2
	if strings.TrimSpace(l1[2:7]) != strings.TrimSpace(l2[2:7]) {
		return &ParseError{Record: -1, Name: es.Name, Field: "catalog number", Reason: "line1 and line2 disagree"}
	}

	ints := []struct {
		field string
		raw   string
	}{
		{"catalog number", strings.TrimSpace(l1[2:7])},
		{"epoch year", l1[18:20]},
	}
	for _, f := range ints {
		if _, err := strconv.Atoi(f.raw); err != nil {
			return &ParseError{Record: -1, Name: es.Name, Field: f.field, Reason: "not an integer", Err: err}
		}
	}

	floats := []struct {
		field string
		raw   string
	}{
		{"epoch day", l1[20:32]},
		{"mean motion dot", squeeze(l1[33:43])},
		{"mean motion ddot", squeeze(l1[44:45] + "." + l1[45:50] + "e" + l1[50:52])},
		{"bstar", squeeze(l1[53:54] + "." + l1[54:59] + "e" + l1[59:61])},
		{"inclination", squeeze(l2[8:16])},
		{"raan", squeeze(l2[17:25])},
		{"eccentricity", "." + l2[26:33]},
		{"argument of perigee", squeeze(l2[34:42])},
		{"mean anomaly", squeeze(l2[43:51])},
		{"mean motion", squeeze(l2[52:63])},
	}
	for _, f := range floats {
		if _, err := strconv.ParseFloat(f.raw, 64); err != nil {
			return &ParseError{Record: -1, Name: es.Name, Field: f.field, Reason: "not a number", Err: err}
		}
	}
	return nil
}

func checkLine(es model.ElementSet, field, line string, lineNumber byte) error {
	if line == "" || line[0] != lineNumber {
		return &ParseError{Record: -1, Name: es.Name, Field: field, Reason: fmt.Sprintf("must start with %q", lineNumber)}
	}
	if len(line) < MinTLELineLength {
		return &ParseError{Record: -1, Name: es.Name, Field: field, Reason: fmt.Sprintf("too short (%d chars)", len(line))}
	}
	return nil
}

// squeeze drops at most two spaces, the same rule go-satellite applies
// before its own float parse. A field that still fails here would make
// the library exit the process.
func squeeze(s string) string {
	return strings.Replace(s, " ", "", 2)
}

// DecodeDesignator extracts the international designator from columns
// [9,16) of line 1 and resolves its launch year and launch number.
func DecodeDesignator(line1 string) (model.Designator, error) {
	start, end := 9, 16
	if end > len(line1) {
		end = len(line1)
	}
	raw := ""
	if start < end {
		raw = strings.TrimRight(line1[start:end], " ")
	}
	if len(raw) < 5 {
		return model.Designator{}, &ParseError{Record: -1, Field: "designator", Reason: fmt.Sprintf("%q shorter than 5 chars", raw)}
	}

	yy, err := strconv.Atoi(raw[0:2])
	if err != nil || yy < 0 {
		return model.Designator{}, &ParseError{Record: -1, Field: "designator", Reason: fmt.Sprintf("launch year %q not numeric", raw[0:2]), Err: err}
	}
	num, err := strconv.Atoi(raw[2:5])
	if err != nil || num < 0 {
		return model.Designator{}, &ParseError{Record: -1, Field: "designator", Reason: fmt.Sprintf("launch number %q not numeric", raw[2:5]), Err: err}
	}

	return model.Designator{
		LaunchYear:   ResolveLaunchYear(yy),
		LaunchNumber: num,
		Piece:        strings.TrimSpace(raw[5:]),
	}, nil
}

// ResolveLaunchYear maps a two-digit year onto 1957-2056.
func ResolveLaunchYear(yy int) int {
	if yy >= launchYearPivot {
		return 1900 + yy
	}
	return 2000 + yy
}
