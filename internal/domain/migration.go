package domain

import "time"

// MigrationStatus は移行レコードの状態を表す。
type MigrationStatus string

const (
	MigrationStatusPending    MigrationStatus = "pending"
	MigrationStatusInProgress MigrationStatus = "in_progress"
	MigrationStatusCompleted  MigrationStatus = "completed"
	MigrationStatusRolledBack MigrationStatus = "rolled_back"
	MigrationStatusFailed     MigrationStatus = "failed"
)

// Terminal は状態が終端（それ以上変化しない）かどうかを返す。
func (s MigrationStatus) Terminal() bool {
	return s == MigrationStatusCompleted || s == MigrationStatusRolledBack
}

// MigrationBatchStatus は移行バッチ全体の状態を表す。
type MigrationBatchStatus string

const (
	MigrationBatchRunning   MigrationBatchStatus = "running"
	MigrationBatchCompleted MigrationBatchStatus = "completed"
	MigrationBatchAborted   MigrationBatchStatus = "aborted"
)

// MigrationBatch は世代間移行のバッチを表す。
type MigrationBatch struct {
	ID               string
	SourceGeneration uint
	TargetGeneration uint
	Filter           string
	Status           MigrationBatchStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// MigrationRecord はレコード単位の移行状態を表す。
// リースを保持する移行ワーカーのみが状態を変更できる。
type MigrationRecord struct {
	ID               string
	BatchID          string
	RecordID         string
	SourceGeneration uint
	TargetGeneration uint
	Status           MigrationStatus
	Attempts         int
	LastError        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
