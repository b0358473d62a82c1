package chat

import (
	"strconv"
	"sync"
)

var defaultNames = []string{
	"Ada", "Alan", "Barbara", "Dennis", "Edsger", "Frances",
	"Grace", "Ken", "Leslie", "Margaret", "Radia", "Rob",
}

var defaultColors = []Color{
	ColorRed, ColorYellow, ColorGreen, ColorCyan, ColorBlue, ColorMagenta,
}

// NameGenerator hands out senders for clients that let the server pick
// their nickname. Names are taken in order, wrapping around with a
// numeric suffix once every name has been used.
// It is safe for concurrent use.
type NameGenerator struct {
	mu     sync.Mutex
	names  []string
	colors []Color
	n      int
}

// NewNameGenerator returns a generator cycling through names and colors.
// The defaults are used for empty lists.
func NewNameGenerator(names []string, colors []Color) *NameGenerator {
	if len(names) == 0 {
		names = defaultNames
	}
	if len(colors) == 0 {
		colors = defaultColors
	}
	return &NameGenerator{
		names:  names,
		colors: colors,
	}
}

// Next returns the next sender.
func (g *NameGenerator) Next() Sender {
	g.mu.Lock()
	n := g.n
	g.n++
	g.mu.Unlock()

	name := g.names[n%len(g.names)]
	if round := n / len(g.names); round > 0 {
		name += strconv.Itoa(round + 1)
	}
	return Sender{
		Name:  name,
		Color: g.colors[n%len(g.colors)],
	}
}
