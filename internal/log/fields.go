package log

// Common field names for structured logging
const (
	FieldComponent   = "component"
	FieldSessionID   = "session_id"
	FieldEntityKind  = "entity_kind"
	FieldEntityID    = "entity_id"
	FieldBudgetID    = "budget_id"
	FieldMutationSeq = "mutation_seq"
	FieldJournalRef  = "journal_ref"
)

// Components defines standard component names
const (
	ComponentTracker   = "tracker"
	ComponentRollup    = "rollup"
	ComponentReconcile = "reconcile"
	ComponentAMQP      = "amqp"
	ComponentWorker    = "journal_worker"
	ComponentCLI       = "cli"
)
