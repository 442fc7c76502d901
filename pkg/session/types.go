package session

import "time"

// Status is the lifecycle state of a persisted session.
type Status string

const (
	StatusActive    Status = "active"
	StatusRecovered Status = "recovered"
)

// Conversation phases.
const (
	PhaseIdle         = "idle"
	PhasePlanning     = "planning"
	PhaseExecuting    = "executing"
	PhaseWaitingInput = "waiting_input"
	PhaseCompleted    = "completed"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

const (
	maxJournalEntries    = 20
	maxCorrelationIDs    = 20
	maxLastToolsUsed     = 10
	maxSnapshotPlanSteps = 5
)

// Message is one conversation turn.
type Message struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// EntityRef is something the conversation can refer back to.
type EntityRef struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Name       string         `json:"name,omitempty"`
	Source     string         `json:"source,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	LastUsedAt time.Time      `json:"lastUsedAt"`
}

// ConversationState is the coarse dialogue state.
type ConversationState struct {
	Phase            string   `json:"phase"`
	LastUserIntent   string   `json:"lastUserIntent,omitempty"`
	PendingActions   []string `json:"pendingActions"`
	CurrentIteration int      `json:"currentIteration"`
	TotalIterations  int      `json:"totalIterations"`
}

// JournalEntry records one executed plan step.
type JournalEntry struct {
	StepID  string    `json:"stepId"`
	Tool    string    `json:"tool,omitempty"`
	Status  string    `json:"status"`
	Summary string    `json:"summary,omitempty"`
	At      time.Time `json:"at"`
}

// ExecutionState accumulates plan execution progress for a thread.
type ExecutionState struct {
	CompletedSteps []string       `json:"completedSteps"`
	FailedSteps    []string       `json:"failedSteps"`
	SkippedSteps   []string       `json:"skippedSteps"`
	ReplanCount    int            `json:"replanCount"`
	ToolCallCount  int            `json:"toolCallCount"`
	IterationCount int            `json:"iterationCount"`
	StepsJournal   []JournalEntry `json:"stepsJournal"`
	LastToolsUsed  []string       `json:"lastToolsUsed"`
	CurrentTool    string         `json:"currentTool,omitempty"`
}

// RuntimeContext is the agent's working memory for one thread.
type RuntimeContext struct {
	SessionID      string                 `json:"sessionId"`
	ThreadID       string                 `json:"threadId"`
	ExecutionID    string                 `json:"executionId"`
	Timestamp      time.Time              `json:"timestamp"`
	State          ConversationState      `json:"state"`
	Messages       []Message              `json:"messages"`
	MessagesDigest string                 `json:"messagesDigest,omitempty"`
	Entities       map[string][]EntityRef `json:"entities"`
	Execution      ExecutionState         `json:"execution"`
}

// Record is the persisted form of a session.
type Record struct {
	SessionID            string         `json:"sessionId"`
	ThreadID             string         `json:"threadId"`
	TenantID             string         `json:"tenantId,omitempty"`
	Status               Status         `json:"status"`
	CreatedAt            time.Time      `json:"createdAt"`
	LastActivityAt       time.Time      `json:"lastActivityAt"`
	Version              int64          `json:"version"`
	CorrelationIDHistory []string       `json:"correlationIdHistory"`
	Context              RuntimeContext `json:"context"`
}

// ExecutionUpdate is a partial change to ExecutionState. Zero fields are ignored.
type ExecutionUpdate struct {
	CurrentTool    string
	CompletedSteps []string
	FailedSteps    []string
	SkippedSteps   []string
	ReplanDelta    int
	IterationDelta int
	Journal        *JournalEntry
	CorrelationID  string
	Phase          string
}

// SnapshotStep is a trimmed plan step.
type SnapshotStep struct {
	ID           string   `json:"id"`
	Tool         string   `json:"tool"`
	Description  string   `json:"description,omitempty"`
	Status       string   `json:"status"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// SnapshotStepResult is a step outcome without its payload.
type SnapshotStepResult struct {
	StepID  string `json:"stepId"`
	Status  string `json:"status"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ExecutionSnapshot is a size-reduced record of a plan run used for recovery.
type ExecutionSnapshot struct {
	ID          string               `json:"id"`
	SessionID   string               `json:"sessionId"`
	ThreadID    string               `json:"threadId"`
	ExecutionID string               `json:"executionId,omitempty"`
	PlanID      string               `json:"planId,omitempty"`
	Goal        string               `json:"goal"`
	PlanStatus  string               `json:"planStatus,omitempty"`
	ResultType  string               `json:"resultType,omitempty"`
	Steps       []SnapshotStep       `json:"steps"`
	StepResults []SnapshotStepResult `json:"stepResults"`
	Entities    []EntityRef          `json:"entities,omitempty"`
	CreatedAt   time.Time            `json:"createdAt"`
}

// RecoveryResult is returned by Recover.
type RecoveryResult struct {
	Context      *RuntimeContext   `json:"context"`
	WasRecovered bool              `json:"wasRecovered"`
	GapDuration  time.Duration     `json:"gapDuration"`
	Inferences   map[string]string `json:"inferences"`
	SnapshotID   string            `json:"snapshotId,omitempty"`
}

func newRuntimeContext(sessionID, threadID, executionID string, now time.Time) RuntimeContext {
	return RuntimeContext{
		SessionID:   sessionID,
		ThreadID:    threadID,
		ExecutionID: executionID,
		Timestamp:   now,
		State: ConversationState{
			Phase:          PhaseIdle,
			PendingActions: []string{},
		},
		Messages: []Message{},
		Entities: map[string][]EntityRef{},
		Execution: ExecutionState{
			CompletedSteps: []string{},
			FailedSteps:    []string{},
			SkippedSteps:   []string{},
			StepsJournal:   []JournalEntry{},
			LastToolsUsed:  []string{},
		},
	}
}
