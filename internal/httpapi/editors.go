package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/agentworkforce/relaydocs/internal/logging"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const editorsWriteTimeout = 10 * time.Second

type editorsEvent struct {
	FileID  string   `json:"fileId"`
	Editors []string `json:"editors"`
}

// EditorsHub fans co-editor changes out to websocket subscribers. Each
// subscriber holds at most one pending update, always the latest.
type EditorsHub struct {
	mu     sync.Mutex
	subs   map[string]map[string]chan []string
	logger logging.Logger
}

func NewEditorsHub(logger logging.Logger) *EditorsHub {
	if logger == nil {
		logger = logging.Nop()
	}
	return &EditorsHub{subs: map[string]map[string]chan []string{}, logger: logger}
}

func (h *EditorsHub) EditorsChanged(ctx context.Context, fileID string, editors []string) {
	snapshot := append([]string{}, editors...)
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[fileID] {
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}

func (h *EditorsHub) subscribe(fileID string) (string, <-chan []string, func()) {
	id := uuid.NewString()
	ch := make(chan []string, 1)
	h.mu.Lock()
	if h.subs[fileID] == nil {
		h.subs[fileID] = map[string]chan []string{}
	}
	h.subs[fileID][id] = ch
	h.mu.Unlock()
	return id, ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[fileID], id)
		if len(h.subs[fileID]) == 0 {
			delete(h.subs, fileID)
		}
	}
}

func (h *EditorsHub) subscribers(fileID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[fileID])
}

// handleEditorsWS streams the editor set of a file: the current one on
// connect, then every change.
func (s *Server) handleEditorsWS(w http.ResponseWriter, r *http.Request, fileID string) {
	if _, err := s.readableFile(r.Context(), fileID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	subID, updates, cancel := s.editors.subscribe(fileID)
	defer cancel()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn(r.Context(), "editors websocket upgrade failed", "fileId", fileID, "error", err)
		return
	}
	defer conn.CloseNow()
	ctx := conn.CloseRead(r.Context())
	s.logger.Info(ctx, "editors subscriber connected", "fileId", fileID, "subscriber", subID)

	send := func(editors []string) error {
		wctx, done := context.WithTimeout(ctx, editorsWriteTimeout)
		defer done()
		return wsjson.Write(wctx, conn, editorsEvent{FileID: fileID, Editors: nonNil(editors)})
	}
	if err := send(s.tracker.GetEditingBy(fileID)); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			s.logger.Info(r.Context(), "editors subscriber gone", "fileId", fileID, "subscriber", subID)
			return
		case editors := <-updates:
			if err := send(editors); err != nil {
				s.logger.Info(r.Context(), "editors subscriber write failed", "fileId", fileID, "subscriber", subID, "error", err)
				return
			}
		}
	}
}
