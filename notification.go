package procflow

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/romshark/procflow/db"
)

var (
	ErrMalformedSectionID = errors.New("malformed section id")
	ErrSectionMisaligned  = errors.New("section id doesn't align with section size")
)

// CurrentSectionID resolves to the section containing the next position of the log.
const CurrentSectionID = "current"

// CausalDependency requires notification NotificationID of pipeline PipelineID
// to be tracked by the consumer before the dependent notification is applied.
type CausalDependency struct {
	PipelineID     int64 `json:"pipeline_id"`
	NotificationID int64 `json:"notification_id"`
}

// EncodeCausalDependencies returns nil for an empty list.
func EncodeCausalDependencies(d []CausalDependency) ([]byte, error) {
	if len(d) < 1 {
		return nil, nil
	}
	return json.Marshal(d)
}

// DecodeCausalDependencies decodes the causal dependencies of a notification.
// Empty input decodes to an empty list.
func DecodeCausalDependencies(b []byte) ([]CausalDependency, error) {
	if len(b) < 1 {
		return nil, nil
	}
	var d []CausalDependency
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("decoding causal dependencies: %w", err)
	}
	return d, nil
}

// highestPerPipeline keeps only the highest notification id per pipeline,
// ordered by pipeline id.
func highestPerPipeline(d []CausalDependency) []CausalDependency {
	byPipeline := map[int64]int64{}
	for _, c := range d {
		byPipeline[c.PipelineID] = max(byPipeline[c.PipelineID], c.NotificationID)
	}
	r := make([]CausalDependency, 0, len(byPipeline))
	for p, n := range byPipeline {
		r = append(r, CausalDependency{PipelineID: p, NotificationID: n})
	}
	slices.SortFunc(r, func(a, b CausalDependency) int {
		return cmp.Compare(a.PipelineID, b.PipelineID)
	})
	return r
}

// Section is a fixed-size window over a notification log.
type Section struct {
	// ID is "first,last" with 1-based inclusive item numbers.
	ID    string
	Items []db.Notification

	// PreviousID is empty for the first section.
	PreviousID string

	// NextID is set if the section is full, which doesn't guarantee
	// that the next section has any items.
	NextID string
}

// FormatSectionID returns "first,last".
func FormatSectionID(first, last int64) string {
	return strconv.FormatInt(first, 10) + "," + strconv.FormatInt(last, 10)
}

// ParseSectionID parses "first,last". Both bounds must be canonical
// decimal numbers without sign or leading zeros.
func ParseSectionID(id string) (first, last int64, err error) {
	f, l, ok := strings.Cut(id, ",")
	if !ok || !canonicalUint(f) || !canonicalUint(l) {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedSectionID, id)
	}
	if first, err = strconv.ParseInt(f, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedSectionID, id)
	}
	if last, err = strconv.ParseInt(l, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedSectionID, id)
	}
	if first < 1 || last < first {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedSectionID, id)
	}
	return first, last, nil
}

func canonicalUint(s string) bool {
	if s == "" || s[0] == '0' {
		return false
	}
	for i := range len(s) {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// sectionBounds returns the bounds of the grid cell containing the
// zero-based position.
func sectionBounds(position, size int64) (first, last int64) {
	first = position - position%size + 1
	return first, first + size - 1
}

// checkSectionID parses id and validates it against the section size grid.
func checkSectionID(id string, size int64) (first, last int64, err error) {
	first, last, err = ParseSectionID(id)
	if err != nil {
		return 0, 0, err
	}
	if last-first+1 != size || (first-1)%size != 0 {
		return 0, 0, fmt.Errorf("%w (%d): %q", ErrSectionMisaligned, size, id)
	}
	return first, last, nil
}

// newSection links items into the section first..last.
func newSection(first, last int64, items []db.Notification) Section {
	size := last - first + 1
	s := Section{ID: FormatSectionID(first, last), Items: items}
	if first > 1 {
		s.PreviousID = FormatSectionID(first-size, first-1)
	}
	if int64(len(items)) == size {
		s.NextID = FormatSectionID(last+1, last+size)
	}
	return s
}
