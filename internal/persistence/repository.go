package persistence

import "grid-trailing-bot-go/internal/models"

// OrderStore defines durable storage for a bot's order set, keyed by
// price bucket. Each bot accesses only its own namespace, so no
// cross-worker locking is required.
type OrderStore interface {
	// LoadOrders returns every persisted order for the given bot.
	LoadOrders(botName string) (map[string]*models.Order, error)

	// PutOrder saves or replaces the order at the given bucket key.
	PutOrder(botName, bucketKey string, order *models.Order) error

	// RemoveOrder deletes the order at the given bucket key.
	// Removing a missing key is not an error.
	RemoveOrder(botName, bucketKey string) error
}

// PositionStore defines durable storage for a bot's cost-basis snapshot.
type PositionStore interface {
	// LoadPositions loads the persisted snapshot.
	// If none is found, it returns (nil, nil).
	LoadPositions(botName string) (*models.VirtualPositions, error)

	// SavePositions saves the snapshot after every mutation.
	SavePositions(botName string, positions *models.VirtualPositions) error
}

// HistoryStore appends fill records so positions can be rebuilt when
// no snapshot survives a restart.
type HistoryStore interface {
	AppendFill(botName string, fill *FillRecord) error
	LoadFills(botName string) ([]*FillRecord, error)
}

// FillRecord is one executed fill in the per-bot history log.
type FillRecord struct {
	Time   int64        `json:"time"`
	Side   models.Side  `json:"side"`
	Price  float64      `json:"price"`
	Amount float64      `json:"amount"`
	Fee    float64      `json:"fee"`
}

// Repository bundles all per-bot storage concerns behind one handle.
type Repository interface {
	OrderStore
	PositionStore
	HistoryStore

	// Close gracefully closes the connection to the database.
	Close() error
}
