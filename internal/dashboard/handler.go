package dashboard

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ebb-sync/ebb/internal/engine"
	"github.com/ebb-sync/ebb/internal/record"
	"github.com/ebb-sync/ebb/internal/store"
)

// Handler bridges engine events onto the dashboard broadcast channel.
// It implements the engine's Notifier; all methods are non-blocking.
type Handler struct {
	server *Server
	store  *store.Store
}

// NewHandler creates a Handler broadcasting through server. The store
// may be nil, in which case queue stats are not published.
func NewHandler(server *Server, st *store.Store) *Handler {
	return &Handler{server: server, store: st}
}

// PassStarted broadcasts the start of a reconciliation pass.
func (h *Handler) PassStarted() {
	h.server.Broadcast(Message{Type: MessageTypePassStarted})
}

// PassCompleted broadcasts the pass summary followed by fresh queue
// statistics.
func (h *Handler) PassCompleted(s engine.Summary) {
	data, err := json.Marshal(s)
	if err != nil {
		h.server.logger.Printf("Failed to marshal pass summary: %v", err)
		return
	}
	h.server.Broadcast(Message{Type: MessageTypePassComplete, Data: data})
	h.broadcastQueueStats()
}

// ConflictDetected broadcasts a newly detected conflict.
func (h *Handler) ConflictDetected(c *record.Conflict) {
	data, err := json.Marshal(ConflictData{
		ConflictID: c.ID,
		Collection: c.Collection,
		RecordID:   c.RecordID,
		Type:       string(c.Type),
	})
	if err != nil {
		h.server.logger.Printf("Failed to marshal conflict: %v", err)
		return
	}
	h.server.Broadcast(Message{Type: MessageTypeConflict, Data: data})
}

// OnlineStateChanged broadcasts an effective online-state flip. Wired
// to the connectivity oracle by the daemon.
func (h *Handler) OnlineStateChanged(online bool) {
	data, err := json.Marshal(OnlineStateData{Online: online})
	if err != nil {
		return
	}
	h.server.Broadcast(Message{Type: MessageTypeOnlineState, Data: data})
}

func (h *Handler) broadcastQueueStats() {
	if h.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats := QueueStatsData{Pending: make(map[string]int)}

	collections, err := h.store.PendingCollections(ctx)
	if err != nil {
		h.server.logger.Printf("Failed to load queue stats: %v", err)
		return
	}
	for _, collection := range collections {
		n, err := h.store.PendingCount(ctx, collection)
		if err != nil {
			continue
		}
		stats.Pending[collection] = n
	}

	if failed, err := h.store.FailedChanges(ctx); err == nil {
		stats.Quarantined = len(failed)
	}
	if open, err := h.store.OpenConflicts(ctx); err == nil {
		stats.Conflicts = len(open)
	}

	data, err := json.Marshal(stats)
	if err != nil {
		return
	}
	h.server.Broadcast(Message{Type: MessageTypeQueueStats, Data: data})
}
