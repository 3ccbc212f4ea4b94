package rollout

// Transition is one tick of experience: the observation seen, the action
// taken, the reward received, whether the episode ended on this tick, and the
// policy's log-probability and value estimate at selection time.
type Transition struct {
	State   []float64
	Action  []float64
	Reward  float64
	Done    bool
	LogProb float64
	Value   float64
}

// Buffer is the ordered per-episode transition sequence. Its lifetime is
// exactly one episode: the training loop appends a transition per tick and
// takes the whole sequence at termination, leaving the buffer empty for the
// next episode.
type Buffer struct {
	transitions []Transition
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

func (b *Buffer) Append(t Transition) {
	b.transitions = append(b.transitions, t)
}

func (b *Buffer) Len() int {
	return len(b.transitions)
}

// Take returns the recorded episode and clears the buffer in one step, so no
// transition can leak into the next episode's batch.
func (b *Buffer) Take() []Transition {
	out := b.transitions
	b.transitions = nil
	return out
}

func (b *Buffer) Clear() {
	b.transitions = nil
}
