package layer

// Layer is one ordered position in the stack: a root handle into a
// directory tree, a data-source capability set, and a flag distinguishing
// the single upper layer from lower layers.
//
// Layer is immutable once the Stack is constructed - it is safe to read
// concurrently without synchronization.
type Layer struct {
	Store Store
	Upper bool
}

// Stack is the ordered set of layers a mount composes. Lowers are ordered
// first (most recently pushed) to last, with the optional upper sitting
// above them: index 0 is the upper layer when present, otherwise the
// most recently pushed lower.
type Stack struct {
	layers []Layer
}

// NewStack builds a Stack. lowers is given in mount-option order
// (left-to-right in "lowerdir=a:b:c"); a is composited on top of b on top
// of c, so lowers[0] becomes the topmost lower layer. If upper is
// non-nil, it is placed above all lowers.
func NewStack(upper Store, lowers []Store) *Stack {
	s := &Stack{}
	if upper != nil {
		s.layers = append(s.layers, Layer{Store: upper, Upper: true})
	}
	for _, l := range lowers {
		s.layers = append(s.layers, Layer{Store: l})
	}
	return s
}

// NumLayers reports the total number of layers, upper included.
func (s *Stack) NumLayers() int { return len(s.layers) }

// HasUpper reports whether the stack has a writable upper layer.
func (s *Stack) HasUpper() bool {
	return len(s.layers) > 0 && s.layers[0].Upper
}

// Upper returns the upper layer's store. It panics if HasUpper is
// false; callers must check first - a stack has exactly zero or one
// writable layer.
func (s *Stack) Upper() Store {
	if !s.HasUpper() {
		panic("layer: no upper layer configured")
	}
	return s.layers[0].Store
}

// UpperIndex returns the stack index of the upper layer, or -1 if none.
func (s *Stack) UpperIndex() int {
	if s.HasUpper() {
		return 0
	}
	return -1
}

// At returns the layer at index i, top (upper, if any) to bottom.
func (s *Stack) At(i int) Layer { return s.layers[i] }

// Lowers returns the indices of lower layers, top to bottom.
func (s *Stack) Lowers() []int {
	start := 0
	if s.HasUpper() {
		start = 1
	}
	idx := make([]int, 0, len(s.layers)-start)
	for i := start; i < len(s.layers); i++ {
		idx = append(idx, i)
	}
	return idx
}

// Cleanup releases any resources held by the layer stores. The direct
// filesystem Store holds no resources, so this is a no-op for it; it
// exists for pluggable stores that do (network handles, mounted
// images).
func (s *Stack) Cleanup() {
	for _, l := range s.layers {
		if c, ok := l.Store.(interface{ Cleanup() error }); ok {
			_ = c.Cleanup()
		}
	}
}
