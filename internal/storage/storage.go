// Package storage defines the durable domain model shared by every sync
// component: accounts, calendars, events (with their exception/master
// relationship), the pending-operation queue, and sync session records.
// Concrete backends (sqlite, postgres) implement Store.
package storage

import (
	"context"
	"time"
)

type Provider string

const (
	ProviderICloud Provider = "ICLOUD"
	ProviderCalDAV Provider = "CALDAV"
	ProviderLocal  Provider = "LOCAL"
)

type Account struct {
	ID           int64
	Provider     Provider
	Email        string
	DisplayName  string
	PrincipalURL string
	HomeSetURL   string
	IsEnabled    bool
}

type Calendar struct {
	ID          int64
	AccountID   int64
	CaldavURL   string
	DisplayName string
	Color       string
	CTag        string
	SyncToken   string
	IsReadOnly  bool
	IsVisible   bool
	IsDefault   bool

	// ParseRetryCount tracks how many consecutive incremental pulls held
	// the sync token back because at least one resource failed to parse;
	// once it reaches the configured cap the token advances anyway.
	ParseRetryCount int
}

type SyncStatus string

const (
	StatusSynced        SyncStatus = "SYNCED"
	StatusPendingCreate SyncStatus = "PENDING_CREATE"
	StatusPendingUpdate SyncStatus = "PENDING_UPDATE"
	StatusPendingDelete SyncStatus = "PENDING_DELETE"
)

// Event is a master or a RECURRENCE-ID exception. OriginalEventID and
// OriginalInstanceTime are both non-nil iff this row is an exception
// (Model B: exceptions are rows linked to their master, never embedded).
type Event struct {
	ID          int64
	UID         string
	CalendarID  int64
	Title       string
	Description string
	Location    string
	StartTs     int64 // UTC milliseconds
	EndTs       int64
	IsAllDay    bool
	Timezone    string
	RRule       string
	ExDate      string // comma-joined RFC 5545 date list, opaque to storage
	CaldavURL   string
	ETag        string
	DTStamp     int64
	Sequence    int
	Status      string
	Class       string
	Reminders   string // JSON-encoded []ical.Alarm, opaque to storage
	ExtraProps  string // JSON-encoded map[string]string, opaque to storage
	RawIcal     string

	SyncStatus           SyncStatus
	OriginalEventID      *int64
	OriginalInstanceTime *int64
}

func (e *Event) IsException() bool { return e.OriginalEventID != nil }

type MoveOp string

const (
	MovePhaseDelete MoveOp = "DELETE"
	MovePhaseCreate MoveOp = "CREATE"
)

type OperationKind string

const (
	OpCreate OperationKind = "CREATE"
	OpUpdate OperationKind = "UPDATE"
	OpDelete OperationKind = "DELETE"
	OpMove   OperationKind = "MOVE"
)

type PendingOperation struct {
	ID               int64
	EventID          int64
	Operation        OperationKind
	TargetURL        string
	SourceCalendarID *int64
	TargetCalendarID *int64
	MovePhase        MoveOp
	RetryCount       int
	LastError        string
	NextRetryAt      time.Time
	CreatedAt        time.Time
	Poisoned         bool
}

// EffectiveCalendarID reports which calendar's push cycle this operation
// belongs to: a MOVE's delete phase drains on the source calendar, its
// create phase on the target, everything else where the event lives (or
// lived, for rows already repointed by a move).
func (op *PendingOperation) EffectiveCalendarID(eventCalendarID int64) int64 {
	switch {
	case op.Operation == OpMove && op.MovePhase == MovePhaseDelete:
		if op.SourceCalendarID != nil {
			return *op.SourceCalendarID
		}
	case op.Operation == OpMove && op.MovePhase == MovePhaseCreate:
		if op.TargetCalendarID != nil {
			return *op.TargetCalendarID
		}
	default:
		if op.SourceCalendarID != nil {
			return *op.SourceCalendarID
		}
	}
	return eventCalendarID
}

type SessionStatus string

const (
	SessionSuccess   SessionStatus = "SUCCESS"
	SessionPartial   SessionStatus = "PARTIAL"
	SessionFailed    SessionStatus = "FAILED"
	SessionCancelled SessionStatus = "CANCELLED"
)

type SyncSession struct {
	ID                     int64
	CalendarID             int64
	StartedAt              time.Time
	FinishedAt             time.Time
	Added                  int
	Updated                int
	Deleted                int
	SkippedParseError      int
	SkippedConstraintError int
	Status                 SessionStatus
}

// Tx is the subset of Store available inside WithTx.
type Tx interface {
	EventStore
	PendingOperationStore
}

type EventStore interface {
	GetEventByID(ctx context.Context, id int64) (*Event, error)
	GetEventByUID(ctx context.Context, calendarID int64, uid string) (*Event, error)
	GetEventByCaldavURL(ctx context.Context, url string) (*Event, error)
	ListEventsByCalendar(ctx context.Context, calendarID int64, from, to *time.Time) ([]*Event, error)
	ListExceptions(ctx context.Context, masterID int64) ([]*Event, error)
	UpsertEvent(ctx context.Context, e *Event) (int64, error)
	DeleteEvent(ctx context.Context, id int64) error
	// DeleteDuplicateMasterEvents removes SYNCED master rows that share a
	// UID within the calendar, keeping the newest row per UID. Duplicates
	// appear when a server changes the hostname or path under which an
	// existing resource is reachable, so the URL-fallback lookup misses.
	DeleteDuplicateMasterEvents(ctx context.Context, calendarID int64) (int64, error)
}

type PendingOperationStore interface {
	EnqueueOperation(ctx context.Context, op *PendingOperation) (int64, error)
	ListPendingForCalendar(ctx context.Context, effectiveCalendarID int64) ([]*PendingOperation, error)
	// GetPendingOperationByEvent returns the single non-MOVE pending op for
	// an event, if any, for conflation at enqueue time. MOVE ops are never
	// returned: they never conflate with anything.
	GetPendingOperationByEvent(ctx context.Context, eventID int64) (*PendingOperation, error)
	UpdateOperation(ctx context.Context, op *PendingOperation) error
	DeleteOperation(ctx context.Context, id int64) error
}

// Store is the full durable interface. WithTx groups every statement
// issued inside fn into a single database transaction.
type Store interface {
	Close() error

	CreateAccount(ctx context.Context, a *Account) (int64, error)
	GetAccountByIdentity(ctx context.Context, provider Provider, email, normalizedHomeSetURL string) (*Account, error)
	GetAccount(ctx context.Context, id int64) (*Account, error)
	ListAccounts(ctx context.Context) ([]*Account, error)
	DeleteAccount(ctx context.Context, id int64) error

	CreateCalendar(ctx context.Context, c *Calendar) (int64, error)
	GetCalendar(ctx context.Context, id int64) (*Calendar, error)
	ListCalendarsByAccount(ctx context.Context, accountID int64) ([]*Calendar, error)
	ListAllCalendars(ctx context.Context) ([]*Calendar, error)
	UpdateCalendarSyncMeta(ctx context.Context, calendarID int64, ctag, syncToken string) error
	UpdateCalendarParseRetry(ctx context.Context, calendarID int64, count int) error

	EventStore
	PendingOperationStore

	CreateSession(ctx context.Context, s *SyncSession) (int64, error)
	FinishSession(ctx context.Context, s *SyncSession) error
	ListPendingSummaryByCalendar(ctx context.Context, calendarID int64) (count int, poisoned int, err error)

	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
