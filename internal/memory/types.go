package memory

// Type classifies a semantic memory's nature (spec.md §4.5).
type Type string

const (
	TypeFact    Type = "FACT"
	TypePref    Type = "PREFERENCE"
	TypeSkill   Type = "SKILL"
	TypeError   Type = "ERROR"
	TypeProfile Type = "PROFILE"
)

// Priority is the memory's retention tier. Nightly consolidation's decay
// pass demotes faded memories to TRANSIENT; deletion is by expires_at only.
type Priority string

const (
	PriorityShortTerm Priority = "SHORT_TERM"
	PriorityLongTerm  Priority = "LONG_TERM"
	PriorityTransient Priority = "TRANSIENT"
)

// Memory is one row of the memories table, decoded from its JSON-encoded
// tags/metadata columns.
type Memory struct {
	ID              string
	Content         string
	Type            Type
	Priority        Priority
	Source          string
	ImportanceScore float64
	AccessCount     int
	Tags            []string
	CreatedAt       string
	UpdatedAt       string
	ExpiresAt       string
	Metadata        map[string]any
	Subject         string
	Predicate       string
	Confidence      float64
	DecayRate       float64
	LastAccessedAt  string
	SupersededBy    string
	SourceEpisodeID string
}

// Episode is one row of the episodes table: a consolidated summary of one
// session, generated during nightly consolidation or on session close.
type Episode struct {
	ID              string
	SessionID       string
	Summary         string
	Goal            string
	Outcome         string
	StartedAt       string
	EndedAt         string
	ActionNodes     []string
	Entities        []string
	ToolsUsed       []string
	LinkedMemoryIDs []string
	Tags            []string
	ImportanceScore float64
	AccessCount     int
	Source          string
}

// Scratchpad is per-user working memory, not surfaced by default retrieval
// (spec.md §4.5).
type Scratchpad struct {
	UserID         string
	Content        string
	ActiveProjects []string
	CurrentFocus   string
	OpenQuestions  []string
	NextSteps      []string
	UpdatedAt      string
}

// ConversationTurn is one verbatim turn, indexed for the extraction
// pipeline and for scrollback outside the in-memory session window.
type ConversationTurn struct {
	ID            int64
	SessionID     string
	TurnIndex     int
	Role          string
	Content       string
	ToolCalls     string
	ToolResults   string
	HasToolCalls  bool
	Timestamp     string
	TokenEstimate int
	EpisodeID     string
	Extracted     bool
}

// ExtractionQueueEntry is one pending single-turn extraction job.
type ExtractionQueueEntry struct {
	ID              int64
	SessionID       string
	TurnIndex       int
	Content         string
	ToolCalls       string
	ToolResults     string
	RetryCount      int
	MaxRetries      int
	Status          string
	CreatedAt       string
	LastAttemptedAt string
}

// Attachment is one media/file record attached to a session or episode.
type Attachment struct {
	ID               string
	SessionID        string
	EpisodeID        string
	Filename         string
	OriginalFilename string
	MimeType         string
	FileSize         int64
	LocalPath        string
	URL              string
	Direction        string
	Description      string
	Transcription    string
	ExtractedText    string
	Tags             []string
	LinkedMemoryIDs  []string
	CreatedAt        string
}
