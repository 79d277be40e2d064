package lifecycle

import "github.com/seantiz/salvo/internal/client"

// Enumerator hands out source/destination pairs round-robin. Destinations
// vary fastest, so consecutive connections spread across targets before a
// source is reused.
type Enumerator struct {
	sources      []string
	destinations []string
	next         int
}

// NewEnumerator creates an enumerator over the cartesian product of sources
// and destinations. An empty source list means "let the OS choose".
func NewEnumerator(sources, destinations []string) *Enumerator {
	if len(sources) == 0 {
		sources = []string{""}
	}
	return &Enumerator{sources: sources, destinations: destinations}
}

// Len returns the number of distinct pairs.
func (e *Enumerator) Len() int {
	return len(e.sources) * len(e.destinations)
}

// Next returns the next pair.
func (e *Enumerator) Next() client.Endpoint {
	if len(e.destinations) == 0 {
		return client.Endpoint{}
	}
	i := e.next
	e.next = (e.next + 1) % e.Len()
	return client.Endpoint{
		Source:      e.sources[(i/len(e.destinations))%len(e.sources)],
		Destination: e.destinations[i%len(e.destinations)],
	}
}

// Reset restarts the enumeration from the first pair.
func (e *Enumerator) Reset() {
	e.next = 0
}
