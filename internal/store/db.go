package store

import (
	"context"
	"time"

	"github.com/bit2swaz/afetmesh/internal/envelope"
	"github.com/bit2swaz/afetmesh/internal/queue"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

func Init(path string) (*gorm.DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Vacuum(db); err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&Peer{}, &Message{}, &QueuedMessage{}); err != nil {
		return nil, err
	}
	return db, nil
}

func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func Vacuum(db *gorm.DB) error {
	return db.Exec("VACUUM").Error
}

// SaveMessage stores msg once; a second save of the same id is ignored.
func SaveMessage(db *gorm.DB, msg *Message) error {
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(msg).Error
}

func GetMessages(db *gorm.DB, limit int) ([]Message, error) {
	var messages []Message
	result := db.Order("received_at desc").Limit(limit).Find(&messages)
	return messages, result.Error
}

func GetMessagesByKind(db *gorm.DB, kind envelope.Kind, limit int) ([]Message, error) {
	var messages []Message
	result := db.Where("kind = ?", kind.String()).Order("received_at desc").Limit(limit).Find(&messages)
	return messages, result.Error
}

// PruneMessages deletes history older than cutoff.
func PruneMessages(db *gorm.DB, cutoff time.Time) (int64, error) {
	result := db.Where("received_at < ?", cutoff).Delete(&Message{})
	return result.RowsAffected, result.Error
}

func UpsertPeer(db *gorm.DB, peer Peer) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&peer).Error
}

func GetActivePeers(db *gorm.DB) ([]Peer, error) {
	var peers []Peer
	result := db.Where("is_active = ?", true).Find(&peers)
	return peers, result.Error
}

func MarkPeerInactive(db *gorm.DB, id string) error {
	return db.Model(&Peer{}).Where("id = ?", id).Update("is_active", false).Error
}

// QueueStore persists delivery queue entries.
type QueueStore struct {
	db *gorm.DB
}

var _ queue.Store = (*QueueStore)(nil)

func NewQueueStore(db *gorm.DB) *QueueStore {
	return &QueueStore{db: db}
}

func (s *QueueStore) SaveEntry(ctx context.Context, e queue.Entry) error {
	data, err := envelope.Encode(e.Record)
	if err != nil {
		return err
	}
	row := QueuedMessage{
		ID:         e.Record.ID,
		Priority:   int(e.Priority),
		EnqueuedAt: e.EnqueuedAt,
		Deadline:   e.Deadline,
		FromPeer:   e.FromPeer,
		Envelope:   data,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&row).Error
}

func (s *QueueStore) DeleteEntry(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&QueuedMessage{}, "id = ?", id).Error
}

// LoadEntries returns persisted entries in delivery order. Rows whose
// envelope no longer decodes are dropped.
func (s *QueueStore) LoadEntries(ctx context.Context) ([]queue.Entry, error) {
	var rows []QueuedMessage
	if err := s.db.WithContext(ctx).Order("priority desc").Order("enqueued_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	entries := make([]queue.Entry, 0, len(rows))
	for _, row := range rows {
		r, err := envelope.DecodeUnsigned(row.Envelope)
		if err != nil {
			s.db.WithContext(ctx).Delete(&QueuedMessage{}, "id = ?", row.ID)
			continue
		}
		entries = append(entries, queue.Entry{
			Record:     r,
			Priority:   envelope.Priority(row.Priority),
			EnqueuedAt: row.EnqueuedAt,
			Deadline:   row.Deadline,
			DedupeKey:  envelope.DedupeKey(r.ID),
			FromPeer:   row.FromPeer,
			State:      queue.StatePending,
		})
	}
	return entries, nil
}
