package api

// Segment is a named, versioned predicate over customer traits.
//
// Segments are immutable once a campaign references them; changing one
// means saving a new version.
type Segment struct {
	ID        string    `json:"id" yaml:"id"`
	Version   int       `json:"version" yaml:"version"`
	Label     string    `json:"label" yaml:"label"`
	Predicate Predicate `json:"predicate" yaml:"predicate"`
}

// Delta is the change in a customer's membership between two snapshots.
type Delta string

const (
	Unchanged Delta = "unchanged"
	Entered   Delta = "entered"
	Exited    Delta = "exited"
)

// TraitUnsubscribed is the trait set when a customer unsubscribes or is
// suppressed. Campaign audiences always exclude it.
const TraitUnsubscribed = "unsubscribed"
