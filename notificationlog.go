package procflow

import (
	"context"
	"fmt"

	"github.com/romshark/procflow/db"
)

// DefaultSectionSize is the section size of record notification logs
// created with size < 1.
const DefaultSectionSize = 10

// NotificationLog presents an immutable one-based notification sequence
// as linked sections.
type NotificationLog interface {
	// SectionSize returns the fixed size of the section grid.
	SectionSize() int64

	// Section returns the section identified by id which is either
	// CurrentSectionID or "first,last" aligned to the section grid.
	Section(ctx context.Context, id string) (Section, error)
}

// RangeLog is a NotificationLog that supports efficient range queries.
// Readers bypass sections for logs implementing it.
type RangeLog interface {
	NotificationLog

	// Items returns notifications with ids in (start, stop] in ascending order.
	Items(ctx context.Context, start, stop int64) ([]db.Notification, error)

	// NextPosition returns the zero-based index one past the highest
	// notification id, 0 if the log is empty.
	NextPosition(ctx context.Context) (int64, error)
}

// RecordNotificationLog is the notification log of one application in one
// pipeline backed by a record manager.
type RecordNotificationLog struct {
	db          db.DB
	application string
	pipelineID  int64
	sectionSize int64
}

var _ RangeLog = new(RecordNotificationLog)

// NewRecordNotificationLog uses DefaultSectionSize if sectionSize < 1.
func NewRecordNotificationLog(
	database db.DB, application string, pipelineID, sectionSize int64,
) *RecordNotificationLog {
	if sectionSize < 1 {
		sectionSize = DefaultSectionSize
	}
	return &RecordNotificationLog{
		db:          database,
		application: application,
		pipelineID:  pipelineID,
		sectionSize: sectionSize,
	}
}

func (l *RecordNotificationLog) Application() string { return l.application }
func (l *RecordNotificationLog) PipelineID() int64   { return l.pipelineID }
func (l *RecordNotificationLog) SectionSize() int64  { return l.sectionSize }

func (l *RecordNotificationLog) Items(
	ctx context.Context, start, stop int64,
) (items []db.Notification, err error) {
	if start < 0 {
		return nil, fmt.Errorf("%w: start %d", ErrNegativePosition, start)
	}
	if stop <= start {
		return nil, nil
	}
	err = l.db.TxReadOnly(ctx, func(ctx context.Context, tx db.TxReadOnly) error {
		items, err = tx.ReadNotifications(ctx, l.application, l.pipelineID, start, stop)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reading notifications: %w", err)
	}
	return items, nil
}

func (l *RecordNotificationLog) NextPosition(ctx context.Context) (pos int64, err error) {
	err = l.db.TxReadOnly(ctx, func(ctx context.Context, tx db.TxReadOnly) error {
		pos, err = tx.ReadMaxNotificationID(ctx, l.application, l.pipelineID)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("reading max notification id: %w", err)
	}
	return pos, nil
}

func (l *RecordNotificationLog) Section(ctx context.Context, id string) (Section, error) {
	return RangeSection(ctx, l, id)
}

// RangeSection builds the section id of l using range queries.
func RangeSection(ctx context.Context, l RangeLog, id string) (Section, error) {
	size := l.SectionSize()
	var first, last int64
	if id == CurrentSectionID {
		pos, err := l.NextPosition(ctx)
		if err != nil {
			return Section{}, err
		}
		first, last = sectionBounds(pos, size)
	} else {
		var err error
		if first, last, err = checkSectionID(id, size); err != nil {
			return Section{}, err
		}
	}
	items, err := l.Items(ctx, first-1, last)
	if err != nil {
		return Section{}, err
	}
	return newSection(first, last, items), nil
}
