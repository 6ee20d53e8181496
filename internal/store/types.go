package store

// Message is one group-chat line awaiting processing. RawText keeps the
// addressing markup (`@<id>`, `[reply_to:<id>]`) rendered by the channel
// adapter so attribution can run long after ingestion.
type Message struct {
	ID        int64
	GroupID   string
	SpeakerID string
	TS        int64
	RawText   string
}

// AliasEntry records that one speaker calls one target by a nickname.
type AliasEntry struct {
	GroupID    string
	SpeakerID  string
	TargetID   string
	Alias      string
	Confidence float64
	UpdatedAt  int64
}

// EvidenceItem backs a single trait or fact key for one user. Key is
// the trait/fact name; Snippet is the message excerpt that produced it.
type EvidenceItem struct {
	ID             int64
	GroupID        string
	UserID         string
	ItemType       string // "trait" or "fact"
	Key            string
	Snippet        string
	MessageID      int64
	SpeakerID      string
	MessageTS      int64
	Confidence     float64
	JokeLikelihood float64
	SourceType     string // "self" or "other"
	ConsistencyTag string // "", "consistent", "neutral", "conflicting"
	CreatedAt      int64
}

// Profile is derived state: Traits and Facts hold confidences
// recomputed from evidence on every committed run.
type Profile struct {
	GroupID   string
	UserID    string
	Nickname  string
	LastSeen  int64
	Summary   string
	Traits    map[string]float64
	Facts     map[string]float64
	UpdatedAt int64
	Version   int64
}

// RunRecord is one row of the run log, kept for admin reporting.
type RunRecord struct {
	ID        string
	GroupID   string
	Kind      string // "update", "alias", "force_update"
	Status    string // "committed", "aborted", "empty"
	Detail    string
	Users     int
	Messages  int
	CreatedAt int64
}

// KeyRef names one (user, trait-or-fact) evidence bucket.
type KeyRef struct {
	UserID   string
	ItemType string
	Key      string
}

// TagUpdate rewrites the consistency tag on all retained evidence for
// one key.
type TagUpdate struct {
	KeyRef
	Tag string
}

// ProfileUpdate replaces the derived fields of one user's profile.
// Nickname and LastSeen are ingestion-owned and never touched here.
type ProfileUpdate struct {
	UserID    string
	Summary   string
	Traits    map[string]float64
	Facts     map[string]float64
	UpdatedAt int64
}

// CommitSet is everything a completed pipeline run wants persisted.
// CommitRun applies it in a single transaction.
type CommitSet struct {
	GroupID           string
	Profiles          []ProfileUpdate
	Evidence          []EvidenceItem
	Tags              []TagUpdate
	Evictions         []KeyRef
	MaxEvidencePerKey int
	RemoveMessageIDs  []int64
	Run               RunRecord
}
