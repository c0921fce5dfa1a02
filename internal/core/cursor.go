package core

// Cursor is the authoritative current slide, always in [1, slideCount].
// Every accepted Set bumps Version, so later acknowledgements always win.
type Cursor struct {
	slideCount int
	current    int
	version    uint64
}

func NewCursor(slideCount int) *Cursor {
	return &Cursor{slideCount: slideCount, current: 1}
}

func (c *Cursor) InRange(slide int) bool {
	return slide >= 1 && slide <= c.slideCount
}

func (c *Cursor) Set(slide int) error {
	if !c.InRange(slide) {
		return ErrSlideOutOfRange
	}
	c.current = slide
	c.version++
	return nil
}

func (c *Cursor) Current() int { return c.current }

func (c *Cursor) Version() uint64 { return c.version }

// Restore applies a checkpointed position; out-of-range positions are ignored.
func (c *Cursor) Restore(slide int, version uint64) {
	if !c.InRange(slide) {
		return
	}
	c.current = slide
	c.version = version
}
