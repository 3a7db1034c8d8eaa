package conflict

// Chooser picks the resolution strategy for a detected conflict. A chooser
// may return Manual together with per-field decisions.
type Chooser interface {
	Choose(c *Conflict) (Strategy, map[string]Side)
}

// ChooserFunc adapts a function to Chooser.
type ChooserFunc func(c *Conflict) (Strategy, map[string]Side)

func (f ChooserFunc) Choose(c *Conflict) (Strategy, map[string]Side) { return f(c) }

// DefaultChooser merges every conflict.
var DefaultChooser Chooser = StaticChooser(Merge)

// StaticChooser always returns the same strategy.
type StaticChooser Strategy

func (s StaticChooser) Choose(*Conflict) (Strategy, map[string]Side) {
	return Strategy(s), nil
}
