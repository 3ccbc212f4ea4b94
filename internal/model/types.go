package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// RunRecord describes one training run: a continuous sequence of episodes
// against a single simulator/policy configuration.
type RunRecord struct {
	VersionedRecord
	ID           string  `json:"id"`
	CreatedAtUTC string  `json:"created_at_utc"`
	Poles        int     `json:"poles"`
	Seed         int64   `json:"seed"`
	Episodes     int     `json:"episodes"`
	TotalSteps   int64   `json:"total_steps"`
	BestReward   float64 `json:"best_reward"`
}

// EpisodeRecord is the per-episode training telemetry saved after each
// rollout/update cycle.
type EpisodeRecord struct {
	VersionedRecord
	RunID      string  `json:"run_id"`
	Index      int     `json:"index"`
	Steps      int     `json:"steps"`
	Reward     float64 `json:"reward"`
	ActorLoss  float64 `json:"actor_loss"`
	CriticLoss float64 `json:"critic_loss"`
	Entropy    float64 `json:"entropy"`
	AdvMean    float64 `json:"adv_mean"`
	AdvStd     float64 `json:"adv_std"`
	Diverged   bool    `json:"diverged"`
	DurationMs int64   `json:"duration_ms"`
}
