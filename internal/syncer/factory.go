package syncer

import (
	"database/sql"
	"time"

	"github.com/lachiem1/drexpay/internal/storage"
	"go.uber.org/zap"
)

// NewLedgerEngine wires an engine that records refresh bookkeeping in db.
func NewLedgerEngine(
	db *sql.DB,
	source Source,
	watcher Watcher,
	pollInterval time.Duration,
	onEvent func(Event),
	log *zap.Logger,
) (*Engine, error) {
	var state StateRecorder
	if db != nil {
		state = storage.NewRefreshStateRepo(db)
	}
	return New(Config{PollInterval: pollInterval}, source, watcher, state, onEvent, log)
}
