package marker

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrUnknownDictionary is returned when a dictionary tag is not a known profile
var ErrUnknownDictionary = errors.New("unknown marker dictionary")

// Dictionary identifies a family of marker patterns the recognizer searches for
type Dictionary int

const (
	Dict4x4_50 Dictionary = iota
	Dict4x4_100
	Dict4x4_250
	Dict4x4_1000
	Dict5x5_50
	Dict5x5_100
	Dict5x5_250
	Dict5x5_1000
	Dict6x6_50
	Dict6x6_100
	Dict6x6_250
	Dict6x6_1000
	Dict7x7_50
	Dict7x7_100
	Dict7x7_250
	Dict7x7_1000
	DictArucoOriginal
	DictAprilTag16h5
	DictAprilTag25h9
	DictAprilTag36h10
	DictAprilTag36h11
)

var dictionaryNames = []string{
	"DICT_4X4_50", "DICT_4X4_100", "DICT_4X4_250", "DICT_4X4_1000",
	"DICT_5X5_50", "DICT_5X5_100", "DICT_5X5_250", "DICT_5X5_1000",
	"DICT_6X6_50", "DICT_6X6_100", "DICT_6X6_250", "DICT_6X6_1000",
	"DICT_7X7_50", "DICT_7X7_100", "DICT_7X7_250", "DICT_7X7_1000",
	"DICT_ARUCO_ORIGINAL",
	"DICT_APRILTAG_16h5", "DICT_APRILTAG_25h9", "DICT_APRILTAG_36h10", "DICT_APRILTAG_36h11",
}

func (d Dictionary) String() string {
	if d < 0 || int(d) >= len(dictionaryNames) {
		return "UNKNOWN"
	}
	return dictionaryNames[d]
}

// Dictionaries returns every supported dictionary tag in declaration order
func Dictionaries() []string {
	out := make([]string, len(dictionaryNames))
	copy(out, dictionaryNames)
	return out
}

// ParseDictionary resolves a dictionary tag such as "DICT_4X4_50".
// Matching is case-insensitive so "dict_apriltag_36h11" is accepted.
func ParseDictionary(tag string) (Dictionary, error) {
	tag = strings.TrimSpace(tag)
	for i, name := range dictionaryNames {
		if strings.EqualFold(name, tag) {
			return Dictionary(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownDictionary, tag)
}

// Set holds the marker IDs observed in a single frame
type Set map[int]struct{}

// NewSet builds a set from the given IDs
func NewSet(ids ...int) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports whether id was observed
func (s Set) Has(id int) bool {
	_, ok := s[id]
	return ok
}

// Empty reports whether no marker was observed
func (s Set) Empty() bool {
	return len(s) == 0
}

// IDs returns the observed IDs in ascending order
func (s Set) IDs() []int {
	ids := make([]int, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Criterion decides whether a frame's detections count as a match
type Criterion struct {
	any bool
	id  int
}

// Any matches any non-empty detection result
func Any() Criterion {
	return Criterion{any: true}
}

// Specific matches only when the given marker ID is present
func Specific(id int) Criterion {
	return Criterion{id: id}
}

// ParseCriterion accepts "any" (or an empty string) or a non-negative marker ID
func ParseCriterion(s string) (Criterion, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "any") {
		return Any(), nil
	}
	id, err := strconv.Atoi(s)
	if err != nil || id < 0 {
		return Criterion{}, fmt.Errorf("invalid marker criterion %q: want \"any\" or a marker id", s)
	}
	return Specific(id), nil
}

// Matches reports whether the detections satisfy the criterion
func (c Criterion) Matches(ids Set) bool {
	if c.any {
		return !ids.Empty()
	}
	return ids.Has(c.id)
}

func (c Criterion) String() string {
	if c.any {
		return "any"
	}
	return strconv.Itoa(c.id)
}
