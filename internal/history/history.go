package history

// Archive defines the run archive operations used by the service layer.
type Archive interface {
	InsertRun(r RunRow, params []ParameterRow) error
	ListRuns(limit, offset int) ([]RunRow, int, error)
	GetRun(id string) (*RunRow, []ParameterRow, error)
	DeleteRun(id string) error
	Prune(keep int) (int, error)
	Close() error
}

var _ Archive = (*DB)(nil)
