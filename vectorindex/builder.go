package vectorindex

import "fmt"

// Builder accumulates vectors for a new Index. It is not safe for concurrent use.
type Builder struct {
	metric    string
	dimension int
	ids       []string
	data      []float32
	seen      map[string]struct{}
}

func NewBuilder(metric string, dimension int) (*Builder, error) {
	if !validMetric(metric) {
		return nil, fmt.Errorf("unknown index metric: %s", metric)
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("index dimension must be positive")
	}
	return &Builder{
		metric:    metric,
		dimension: dimension,
		seen:      make(map[string]struct{}),
	}, nil
}

func (b *Builder) Add(id string, vector []float32) error {
	if id == "" {
		return fmt.Errorf("chunk id is required")
	}
	if len(vector) != b.dimension {
		return fmt.Errorf("%w: %s has %d dimensions, index has %d",
			ErrDimensionMismatch, id, len(vector), b.dimension)
	}
	if _, dup := b.seen[id]; dup {
		return fmt.Errorf("duplicate chunk id %q", id)
	}
	b.seen[id] = struct{}{}
	b.ids = append(b.ids, id)
	b.data = append(b.data, vector...)
	return nil
}

func (b *Builder) Len() int { return len(b.ids) }

// Build freezes the accumulated vectors. The builder must not be used afterwards.
func (b *Builder) Build() (*Index, error) {
	idx, err := newIndex(b.metric, b.dimension, b.ids, b.data)
	if err != nil {
		return nil, err
	}
	b.ids, b.data, b.seen = nil, nil, nil
	return idx, nil
}
