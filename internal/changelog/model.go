package changelog

// Operation enumerates the mutation kinds recorded in the log.
type Operation string

const (
	// OperationCreate records a scribble creation.
	OperationCreate Operation = "create"
	// OperationUpdate records an accepted content update.
	OperationUpdate Operation = "update"
)

// Record is one immutable log entry. The log assigns its position; producers
// never choose one.
type Record struct {
	UserID  string
	SID     string
	Op      Operation
	Version int64
}

// Entry is a delivered record together with the position assigned at append.
type Entry struct {
	ID     int64
	Record Record
}

// changeRow is the persisted form of a Record.
type changeRow struct {
	Position     int64     `gorm:"column:position;primaryKey;autoIncrement"`
	UserID       string    `gorm:"column:user_id;size:190;not null;index"`
	SID          string    `gorm:"column:sid;size:190;not null"`
	Op           Operation `gorm:"column:op;size:16;not null"`
	Version      int64     `gorm:"column:version;not null"`
	AppendedAtMS int64     `gorm:"column:appended_at_ms;not null"`
}

func (changeRow) TableName() string {
	return "change_records"
}

// groupRow tracks a consumer group and its delivery cursor.
type groupRow struct {
	Name                  string `gorm:"column:name;primaryKey;size:190;not null"`
	LastDeliveredPosition int64  `gorm:"column:last_delivered_position;not null;default:0"`
	CreatedAtMS           int64  `gorm:"column:created_at_ms;not null"`
}

func (groupRow) TableName() string {
	return "consumer_groups"
}

// deliveryRow is a group's pending-entries list: one row per entry delivered
// to the group, retained until acknowledged.
type deliveryRow struct {
	GroupName     string `gorm:"column:group_name;primaryKey;size:190;not null"`
	Position      int64  `gorm:"column:position;primaryKey"`
	Consumer      string `gorm:"column:consumer;size:190;not null"`
	DeliveredAtMS int64  `gorm:"column:delivered_at_ms;not null"`
	DeliveryCount int64  `gorm:"column:delivery_count;not null;default:1"`
	Acked         bool   `gorm:"column:acked;not null;default:false;index"`
}

func (deliveryRow) TableName() string {
	return "change_deliveries"
}

// Models lists the tables the log persists, for schema migration.
func Models() []any {
	return []any{&changeRow{}, &groupRow{}, &deliveryRow{}}
}
