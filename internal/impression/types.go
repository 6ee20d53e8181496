package impression

// Signal is one message-level observation backing a candidate
// trait or fact from Phase1.
type Signal struct {
	MessageID      int64
	Confidence     float64
	JokeLikelihood float64
	SourceType     string // "self" or "other"
}

// CandidateSet holds one user's Phase1 candidates: key text mapped to
// its observation signals, deduplicated by message id.
type CandidateSet struct {
	Traits map[string][]Signal
	Facts  map[string][]Signal
}

// MergeResult is one user's Phase2 output: the final key sets, the
// final-key -> candidate-keys mapping that carries evidence across
// renames, and per-key consistency tags.
type MergeResult struct {
	Traits      []string
	Facts       []string
	Mapping     map[string]map[string][]string // "traits"/"facts" -> final -> candidates
	Consistency map[string]map[string]string   // "traits"/"facts" -> final -> tag
}

// AliasCandidate is one parsed row of the alias-analysis response.
type AliasCandidate struct {
	SpeakerID  string
	TargetID   string
	Alias      string
	Confidence float64
}
