package tournament

// StateVersion identifies the persisted state schema. Loading a blob with a
// different version fails rather than silently reinterpreting scores.
const StateVersion = 1

// State is the single versioned blob the coordinator persists between
// rounds. It is replaced atomically on every save; there is no partial-field
// migration.
type State struct {
	Version int `cbor:"1,keyasint"`
	// Step counts completed synthetic rounds.
	Step uint64 `cbor:"2,keyasint"`
	// Scores is the EMA rank per worker, indexed by WorkerID. Lower is
	// better; +Inf means unscored.
	Scores []float64 `cbor:"3,keyasint"`
	// Rankings is argsort(Scores) ascending: index is the global rank,
	// value is the worker id.
	Rankings []WorkerID `cbor:"4,keyasint"`
	// Identities pins each worker slot to the address it was scored under,
	// so replaced identities can be detected on resync.
	Identities []string `cbor:"5,keyasint"`
	// SourcePool is the set of synthetic document ids to draw tasks from.
	SourcePool []int64 `cbor:"6,keyasint"`
}

// NewState returns a first-run state for a registry of the given size.
func NewState(numWorkers int) *State {
	scores := make([]float64, numWorkers)
	rankings := make([]WorkerID, numWorkers)
	for i := range scores {
		scores[i] = Unscored()
		rankings[i] = WorkerID(i)
	}
	return &State{
		Version:    StateVersion,
		Scores:     scores,
		Rankings:   rankings,
		Identities: make([]string, numWorkers),
	}
}
