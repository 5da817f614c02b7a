package schedule

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrUnknownType is returned when a stored value carries a type tag
	// with no registered adapter.
	ErrUnknownType = errors.New("unknown value type")
	// ErrUnsupportedValue is returned when no adapter accepts a value.
	ErrUnsupportedValue = errors.New("unsupported value")
)

// Adapter converts one kind of choice value to and from JSON.
type Adapter interface {
	// Type is the tag stored next to the content.
	Type() string
	// Accepts reports whether Encode can handle v.
	Accepts(v any) bool
	Encode(v any) (json.RawMessage, error)
	Decode(content json.RawMessage) (any, error)
}

// JSONAdapter stores values of type T with encoding/json.
type JSONAdapter[T any] struct {
	Tag string
}

// NewJSONAdapter returns an adapter for T stored under tag.
func NewJSONAdapter[T any](tag string) JSONAdapter[T] {
	return JSONAdapter[T]{Tag: tag}
}

func (a JSONAdapter[T]) Type() string { return a.Tag }

func (a JSONAdapter[T]) Accepts(v any) bool {
	_, ok := v.(T)
	return ok
}

func (a JSONAdapter[T]) Encode(v any) (json.RawMessage, error) {
	t, ok := v.(T)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not %s", ErrUnsupportedValue, v, a.Tag)
	}
	b, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", a.Tag, err)
	}
	return b, nil
}

func (a JSONAdapter[T]) Decode(content json.RawMessage) (any, error) {
	var t T
	if err := json.Unmarshal(content, &t); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", a.Tag, err)
	}
	return t, nil
}

// Adapters is a registry of value adapters keyed by type tag. Encoding uses
// the first registered adapter that accepts a value.
type Adapters struct {
	mu     sync.RWMutex
	byType map[string]Adapter
	order  []Adapter
}

// NewAdapters returns a registry with the built-in int, string and bool
// adapters.
func NewAdapters() *Adapters {
	a := &Adapters{byType: make(map[string]Adapter)}
	for _, ad := range []Adapter{
		NewJSONAdapter[int]("int"),
		NewJSONAdapter[string]("string"),
		NewJSONAdapter[bool]("bool"),
	} {
		a.byType[ad.Type()] = ad
		a.order = append(a.order, ad)
	}
	return a
}

// DefaultAdapters is used by Store and Read.
var DefaultAdapters = NewAdapters()

// Register adds ad. Tags must be unique and non-empty.
func (a *Adapters) Register(ad Adapter) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	tag := ad.Type()
	if tag == "" {
		return errors.New("adapter with empty type tag")
	}
	if _, ok := a.byType[tag]; ok {
		return fmt.Errorf("adapter for %q already registered", tag)
	}
	a.byType[tag] = ad
	a.order = append(a.order, ad)
	return nil
}

// Lookup returns the adapter registered for tag.
func (a *Adapters) Lookup(tag string) (Adapter, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ad, ok := a.byType[tag]
	return ad, ok
}

func (a *Adapters) encode(v any) (*value, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, ad := range a.order {
		if !ad.Accepts(v) {
			continue
		}
		content, err := ad.Encode(v)
		if err != nil {
			return nil, err
		}
		return &value{Type: ad.Type(), Content: content}, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
}

func (a *Adapters) decode(v *value) (any, error) {
	ad, ok := a.Lookup(v.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, v.Type)
	}
	if c := bytes.TrimSpace(v.Content); len(c) == 0 || bytes.Equal(c, []byte("null")) {
		return nil, fmt.Errorf("value of type %q has no content", v.Type)
	}
	return ad.Decode(v.Content)
}
