package domain

// StmtId identifies a statement within a retryable write. UninitializedStmtId
// means the write is not retryable.
type StmtId int32

const UninitializedStmtId StmtId = -1

// InsertStatement describes one document to insert. It lives for a single
// insert call.
type InsertStatement struct {
	Doc Document
	// RecordId is set by internal callers that already chose the slot.
	RecordId RecordId
	// ReplicatedRecordId carries the id from the oplog entry on collections
	// that replicate RecordIds.
	ReplicatedRecordId RecordId
	OplogSlot          OplogSlot
	StmtIds            []StmtId
}

// NewInsertStatement builds a statement for doc with no pre-assigned slots.
func NewInsertStatement(doc Document) InsertStatement {
	return InsertStatement{Doc: doc, StmtIds: []StmtId{UninitializedStmtId}}
}

// StoreDocOption selects the image a retryable findAndModify keeps.
type StoreDocOption int

const (
	StoreDocNone StoreDocOption = iota
	StoreDocPreImage
	StoreDocPostImage
)

func (o StoreDocOption) String() string {
	switch o {
	case StoreDocPreImage:
		return "preImage"
	case StoreDocPostImage:
		return "postImage"
	}
	return "none"
}

// RetryableFindAndModifyLocation says where a retryable findAndModify image
// is persisted.
type RetryableFindAndModifyLocation int

const (
	RetryableImageNone RetryableFindAndModifyLocation = iota
	RetryableImageSideCollection
)

// OperationSource describes where an update came from.
type OperationSource int

const (
	SourceStandard OperationSource = iota
	SourceFromMigrate
	SourceTimeseries
)

// CollectionUpdateArgs is threaded through an update. The write path fills in
// UpdatedDoc and, when it reserves them, OplogSlots.
type CollectionUpdateArgs struct {
	// Update is the diff or modifier document that describes the change.
	Update   Document
	Criteria Document
	StmtIds  []StmtId

	PreImageDoc Document
	UpdatedDoc  Document

	ChangeStreamPreAndPostImages bool
	StoreDocOption               StoreDocOption

	RetryableFindAndModifyLocation RetryableFindAndModifyLocation
	OplogSlots                     []OplogSlot

	Source OperationSource
	// MustCheckExistenceForInsertOperations is propagated to the oplog for
	// upserts applied on secondaries.
	MustCheckExistenceForInsertOperations bool
}

// IsRetryableImageWrite reports whether a side collection image is needed.
func (a *CollectionUpdateArgs) IsRetryableImageWrite() bool {
	return a.StoreDocOption != StoreDocNone &&
		a.RetryableFindAndModifyLocation == RetryableImageSideCollection
}

// OplogUpdateEntryArgs is what the OpObserver receives for an update.
type OplogUpdateEntryArgs struct {
	Namespace   Namespace
	UUID        string
	UpdateArgs  *CollectionUpdateArgs
	RecordId    RecordId
	RetryImage  RetryableFindAndModifyLocation
	FromMigrate bool
}

// OplogDeleteEntryArgs is shared between AboutToDelete and OnDelete.
type OplogDeleteEntryArgs struct {
	DeletedDoc  Document
	FromMigrate bool

	ChangeStreamPreAndPostImagesEnabled bool
	RetryableFindAndModifyLocation      RetryableFindAndModifyLocation
	OplogSlots                          []OplogSlot

	// DocumentKey is computed by AboutToDelete while the record still exists
	// and consumed by OnDelete.
	DocumentKey Document
}

// StoreDeletedDoc controls whether a delete keeps the deleted document for
// a retryable findAndModify.
type StoreDeletedDoc int

const (
	StoreDeletedDocOff StoreDeletedDoc = iota
	StoreDeletedDocOn
)

// CheckRecordId controls whether unindexing verifies the RecordId found in
// the index entry.
type CheckRecordId int

const (
	CheckRecordIdOff CheckRecordId = iota
	CheckRecordIdOn
)

// RetryableWrite marks a delete that is part of a retryable write.
type RetryableWrite int

const (
	RetryableWriteNo RetryableWrite = iota
	RetryableWriteYes
)

// Damage replaces TargetSize bytes at TargetOffset in the old document with
// SourceSize bytes taken from SourceOffset of a damage source buffer.
type Damage struct {
	SourceOffset int
	SourceSize   int
	TargetOffset int
	TargetSize   int
}
