package verifyedge

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Message types accepted on /_edge/message.
const (
	MsgSkipWaiting        = "SKIP_WAITING"
	MsgCheckOfflineStatus = "CHECK_OFFLINE_STATUS"
)

type controlMessage struct {
	Type string `json:"type"`
	Tag  string `json:"tag,omitempty"`
}

// Handler routes the /_edge control surface and sends everything else
// through the edge.
func (s *Service) Handler() http.Handler {
	r := mux.NewRouter()
	edge := r.PathPrefix("/_edge").Subrouter()
	edge.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	edge.HandleFunc("/message", s.handleMessage).Methods(http.MethodPost)
	edge.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)
	edge.HandleFunc("/queue", s.handleQueue).Methods(http.MethodGet)

	r.PathPrefix("/").HandlerFunc(s.handle)
	return r
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, "", s.Health())
}

func (s *Service) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg controlMessage
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, "", errorBody{Error: "invalid message"})
		return
	}

	switch strings.ToUpper(strings.TrimSpace(msg.Type)) {
	case MsgCheckOfflineStatus:
		writeJSON(w, http.StatusOK, "", s.Health())
	case MsgSkipWaiting:
		tag, err := s.SkipWaiting()
		if err != nil {
			s.log.Error("skip waiting", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, "", errorBody{Error: "activation failed"})
			return
		}
		writeJSON(w, http.StatusOK, "", map[string]any{
			"activated":  tag != "",
			"generation": s.assets.Current(),
		})
	default:
		writeJSON(w, http.StatusBadRequest, "", errorBody{Error: "unknown message type"})
	}
}

// handleSync is the background sync opportunity: it queues a drain and
// returns immediately.
func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		tag = SyncTagVerifications
	}
	if tag != SyncTagVerifications {
		writeJSON(w, http.StatusBadRequest, "", errorBody{Error: "unknown sync tag"})
		return
	}
	queued := s.syncer.Trigger(SyncEvent{Reason: SyncMessage, Tag: tag})
	writeJSON(w, http.StatusAccepted, "", map[string]any{"queued": queued, "tag": tag})
}

func (s *Service) handleQueue(w http.ResponseWriter, r *http.Request) {
	status := Status(r.URL.Query().Get("status"))
	if status == "" {
		status = StatusPending
	}
	if !status.Valid() {
		writeJSON(w, http.StatusBadRequest, "", errorBody{Error: "invalid status"})
		return
	}
	entries, err := s.queue.List(status)
	if err != nil {
		s.log.Error("list queue", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, "", errorBody{Error: "queue unavailable"})
		return
	}
	out := make([]QueueSummary, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Summary())
	}
	writeJSON(w, http.StatusOK, "", out)
}
