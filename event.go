package procflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// ErrEventNotRegistered is returned when decoding an event of unknown kind.
var ErrEventNotRegistered = errors.New("event not registered")

// NewOriginatorID returns a new time-ordered UUIDv7 string
// suitable as aggregate identifier.
func NewOriginatorID() string { return uuid.Must(uuid.NewV7()).String() }

// EventCodec is the registry of event kinds. It handles payload
// marshaling and unmarshaling and knows for every kind whether it's
// notifiable and whether it creates a new aggregate.
type EventCodec struct {
	kindByName map[string]*eventKind
	kindByType map[reflect.Type]*eventKind

	inUse bool // Set to true by Make once this codec is in use.
}

type eventKind struct {
	name       string
	typ        reflect.Type
	notifiable bool
	creates    func() Aggregate
}

// KindOption configures an event kind at registration.
type KindOption func(*eventKind)

// Notifiable marks the event kind as notifiable. Notifiable events are assigned
// a notification id when stored and are visible in the notification log.
func Notifiable() KindOption { return func(k *eventKind) { k.notifiable = true } }

// Creates marks the event kind as the creation event of the aggregate
// constructed by newAggregate. Aggregates are reconstructed from stored events
// starting with an event of such kind.
func Creates(newAggregate func() Aggregate) KindOption {
	return func(k *eventKind) { k.creates = newAggregate }
}

// NewEventCodec creates a new empty event codec.
func NewEventCodec() *EventCodec {
	return &EventCodec{
		kindByName: map[string]*eventKind{},
		kindByType: map[reflect.Type]*eventKind{},
	}
}

// MustRegisterEventType registers an event kind in codec.
func MustRegisterEventType[T Event](codec *EventCodec, name string, opts ...KindOption) {
	if codec.inUse {
		panic("attempting to register event type at engine runtime")
	}
	switch {
	case name == "":
		panic("empty event name")
	case unicode.IsSpace(rune(name[0])):
		panic("event name starts with space characters")
	case unicode.IsSpace(rune(name[len(name)-1])):
		panic("event name ends with space characters")
	}
	if _, ok := codec.kindByName[name]; ok {
		panic(fmt.Sprintf("event already registered: %q", name))
	}

	var zero T
	t := reflect.TypeOf(zero)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if _, ok := codec.kindByType[t]; ok {
		panic(fmt.Sprintf("event type %s already registered", t.Name()))
	}
	k := &eventKind{name: name, typ: t}
	for _, o := range opts {
		o(k)
	}
	codec.kindByName[name] = k
	codec.kindByType[t] = k
}

func (c *EventCodec) kindOf(e Event) *eventKind {
	t := reflect.TypeOf(e)
	if t == nil {
		return nil
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return c.kindByType[t]
}

// IsNotifiable reports whether e is of a registered notifiable kind.
func (c *EventCodec) IsNotifiable(e Event) bool {
	k := c.kindOf(e)
	return k != nil && k.notifiable
}

// initializeEvent sets the registered name of e.
func (c *EventCodec) initializeEvent(e Event) error {
	k := c.kindOf(e)
	if k == nil {
		return fmt.Errorf("%w: %T", ErrEventNotRegistered, e)
	}
	e.metadata().name = k.name
	return nil
}

func (c *EventCodec) EncodeJSON(e Event) ([]byte, error) { return json.Marshal(e) }

func (c *EventCodec) DecodeJSON(name string, payload []byte) (Event, error) {
	k, ok := c.kindByName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrEventNotRegistered, name)
	}
	e := reflect.New(k.typ).Interface().(Event)
	if err := json.Unmarshal(payload, e); err != nil {
		return nil, err
	}
	e.metadata().name = name
	return e, nil
}

type noimpl struct{}

// Event is any domain event type embedding EventMetadata.
type Event interface {
	// This prevents anything but the EventMetadata implementing this interface.
	noimpl() noimpl

	metadata() *EventMetadata

	// Name returns the registered event type name.
	Name() string

	// Time returns the event production time.
	Time() time.Time

	// OriginatorID returns the identifier of the aggregate that triggered the event.
	OriginatorID() string

	// OriginatorVersion returns the version of the aggregate after the event
	// was applied. The first event of an aggregate has version 1.
	OriginatorVersion() int64
}

// EventMetadata must be embedded by every type that implements Event.
// Example event type:
//
//	type OrderCreated struct {
//		procflow.EventMetadata
//
//		Customer string `json:"customer"`
//	}
//
// The event must be registered using MustRegisterEventType:
//
//	procflow.MustRegisterEventType[*OrderCreated](codec, "order-created",
//		procflow.Notifiable(),
//		procflow.Creates(func() procflow.Aggregate { return new(Order) }))
type EventMetadata struct {
	name              string
	t                 time.Time
	originatorID      string
	originatorVersion int64
}

func (e *EventMetadata) metadata() *EventMetadata { return e }
func (e *EventMetadata) noimpl() noimpl           { return noimpl{} }

func (e *EventMetadata) Name() string             { return e.name }
func (e *EventMetadata) Time() time.Time          { return e.t }
func (e *EventMetadata) OriginatorID() string     { return e.originatorID }
func (e *EventMetadata) OriginatorVersion() int64 { return e.originatorVersion }
