package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/gluk-w/claworc/ftpbroker/internal/connpool"
	"github.com/gluk-w/claworc/ftpbroker/internal/database"
	"github.com/gluk-w/claworc/ftpbroker/internal/logutil"
)

// DefaultRetentionDays is the default number of days to keep audit logs.
const DefaultRetentionDays = 90

// queueSize bounds events waiting to be written.
const queueSize = 256

// Auditor records and queries connection audit logs.
type Auditor struct {
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time
}

// NewAuditor creates an Auditor writing to db and migrates its table.
// If retentionDays is 0, DefaultRetentionDays is used.
func NewAuditor(db *gorm.DB, retentionDays int) (*Auditor, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	if err := db.AutoMigrate(&database.ConnectionAuditLog{}); err != nil {
		return nil, err
	}
	return &Auditor{db: db, retentionDays: retentionDays, nowFn: time.Now}, nil
}

// Log writes one event.
func (a *Auditor) Log(ev connpool.Event) error {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = a.nowFn()
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	record := database.ConnectionAuditLog{
		EventID:      ev.ID,
		ConnectionID: ev.ConnectionID,
		OwnerID:      ev.OwnerID,
		EventType:    string(ev.Type),
		Details:      ev.Details,
		CreatedAt:    ts,
	}
	if err := a.db.Create(&record).Error; err != nil {
		log.Error().Err(err).Str("event", string(ev.Type)).Msg("write audit log")
		return err
	}
	log.Debug().
		Str("event", string(ev.Type)).
		Str("connection", logutil.ShortID(ev.ConnectionID)).
		Str("owner", logutil.SanitizeForLog(ev.OwnerID)).
		Msg("audit")
	return nil
}

// Attach subscribes the Auditor to p. Events are queued and written in the
// background; when the queue is full new events are dropped with a warning.
// The returned stop function unsubscribes and waits for queued events to be
// written.
func (a *Auditor) Attach(p *connpool.Pool) (stop func()) {
	queue := make(chan connpool.Event, queueSize)
	var (
		mu     sync.Mutex
		closed bool
		wg     sync.WaitGroup
	)

	unsubscribe := p.OnEvent(func(ev connpool.Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case queue <- ev:
		default:
			log.Warn().Str("event", string(ev.Type)).Msg("audit queue full, dropping event")
		}
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range queue {
			_ = a.Log(ev)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			mu.Lock()
			closed = true
			close(queue)
			mu.Unlock()
			wg.Wait()
		})
	}
}

// QueryOptions specifies filters for retrieving audit logs.
type QueryOptions struct {
	OwnerID      string
	ConnectionID string
	EventType    string
	Since        *time.Time
	Until        *time.Time
	Limit        int
	Offset       int
}

// QueryResult contains audit log entries and pagination metadata.
type QueryResult struct {
	Entries []database.ConnectionAuditLog `json:"entries"`
	Total   int64                         `json:"total"`
	Limit   int                           `json:"limit"`
	Offset  int                           `json:"offset"`
}

// Query retrieves entries matching opts, newest first.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	tx := a.db.Model(&database.ConnectionAuditLog{})

	if opts.OwnerID != "" {
		tx = tx.Where("owner_id = ?", opts.OwnerID)
	}
	if opts.ConnectionID != "" {
		tx = tx.Where("connection_id = ?", opts.ConnectionID)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	var entries []database.ConnectionAuditLog
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// PurgeOlderThan removes entries older than days, or the configured
// retention when days <= 0. Returns the number of rows deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.ConnectionAuditLog{})
	if result.Error != nil {
		log.Error().Err(result.Error).Msg("audit purge failed")
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Info().Int64("deleted", result.RowsAffected).Int("days", days).Msg("purged audit log entries")
	}
	return result.RowsAffected, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc sets the clock function used for testing.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}
