package procflow

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/romshark/procflow/db"
)

var ErrNegativePosition = errors.New("negative position")

// ReadOptions bounds a read.
type ReadOptions struct {
	// AdvanceBy limits the number of notifications read, unbounded if <1.
	AdvanceBy int64

	// Stop is the zero-based exclusive position to stop reading at,
	// no stop position if <1.
	Stop int64
}

// Reader is a cursor over one notification log.
// A Reader must not be shared by more than one consumer.
type Reader struct {
	log         NotificationLog
	position    int64
	useSections bool
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithSections forces the section-linked traversal even if the log
// supports range queries.
func WithSections() ReaderOption { return func(r *Reader) { r.useSections = true } }

// NewReader creates a reader at position 0.
// If log implements RangeLog the reader uses range queries, otherwise it
// follows section links.
func NewReader(log NotificationLog, opts ...ReaderOption) *Reader {
	r := &Reader{log: log}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Position returns the zero-based position of the next notification to read.
func (r *Reader) Position() int64 { return r.position }

// Seek sets the position of the next notification to read.
func (r *Reader) Seek(position int64) error {
	if position < 0 {
		return fmt.Errorf("%w: %d", ErrNegativePosition, position)
	}
	r.position = position
	return nil
}

// Read returns a lazy sequence of notifications starting at the current position.
// The position advances with every notification yielded.
// The sequence ends at the end of the log, when opts are exhausted or after
// yielding an error.
func (r *Reader) Read(ctx context.Context, opts ReadOptions) iter.Seq2[db.Notification, error] {
	if rl, ok := r.log.(RangeLog); ok && !r.useSections {
		return r.readRange(ctx, rl, opts)
	}
	return r.readSections(ctx, opts)
}

// ReadAll collects Read into a slice.
func (r *Reader) ReadAll(ctx context.Context, opts ReadOptions) ([]db.Notification, error) {
	var items []db.Notification
	for n, err := range r.Read(ctx, opts) {
		if err != nil {
			return items, err
		}
		items = append(items, n)
	}
	return items, nil
}

// limiter tracks the bounds of a single read.
type limiter struct {
	opts ReadOptions
	read int64
}

func (l *limiter) done(position int64) bool {
	return (l.opts.AdvanceBy > 0 && l.read >= l.opts.AdvanceBy) ||
		(l.opts.Stop > 0 && position >= l.opts.Stop)
}

// stop returns the exclusive stop position of the next batch.
func (l *limiter) stop(position, batch int64) int64 {
	s := position + batch
	if l.opts.AdvanceBy > 0 {
		s = min(s, position+l.opts.AdvanceBy-l.read)
	}
	if l.opts.Stop > 0 {
		s = min(s, l.opts.Stop)
	}
	return s
}

func (r *Reader) readRange(
	ctx context.Context, log RangeLog, opts ReadOptions,
) iter.Seq2[db.Notification, error] {
	return func(yield func(db.Notification, error) bool) {
		l := limiter{opts: opts}
		batch := log.SectionSize()
		for !l.done(r.position) {
			start := r.position
			stop := l.stop(start, batch)
			items, err := log.Items(ctx, start, stop)
			if err != nil {
				yield(db.Notification{}, err)
				return
			}
			for _, n := range items {
				r.position = n.ID
				l.read++
				if !yield(n, nil) {
					return
				}
			}
			if int64(len(items)) < stop-start {
				return // End of log.
			}
		}
	}
}

func (r *Reader) readSections(
	ctx context.Context, opts ReadOptions,
) iter.Seq2[db.Notification, error] {
	return func(yield func(db.Notification, error) bool) {
		l := limiter{opts: opts}
		if l.done(r.position) {
			return
		}
		startItem := r.position + 1
		section, err := r.initialSection(ctx, startItem)
		if err != nil {
			yield(db.Notification{}, err)
			return
		}
		for {
			for _, n := range section.Items {
				if n.ID < startItem {
					continue // Trim items before the cursor.
				}
				if l.done(r.position) {
					return
				}
				r.position = n.ID
				l.read++
				if !yield(n, nil) {
					return
				}
			}
			if section.NextID == "" || l.done(r.position) {
				return
			}
			if section, err = r.log.Section(ctx, section.NextID); err != nil {
				yield(db.Notification{}, err)
				return
			}
		}
	}
}

// initialSection fetches the section aligned to startItem and walks
// backwards only until a section starting at or before startItem is found.
func (r *Reader) initialSection(ctx context.Context, startItem int64) (Section, error) {
	first, last := sectionBounds(startItem-1, r.log.SectionSize())
	section, err := r.log.Section(ctx, FormatSectionID(first, last))
	if err != nil {
		return Section{}, err
	}
	for section.PreviousID != "" {
		if first, _, err = ParseSectionID(section.ID); err != nil {
			return Section{}, err
		}
		if first <= startItem {
			break
		}
		if section, err = r.log.Section(ctx, section.PreviousID); err != nil {
			return Section{}, err
		}
	}
	return section, nil
}
