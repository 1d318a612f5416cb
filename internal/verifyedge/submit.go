package verifyedge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrPayloadTooLarge indicates a submission body above verify.maxUpload.
var ErrPayloadTooLarge = errors.New("file too large")

const (
	msgNoFile        = "No file provided"
	msgTooLarge      = "File too large"
	msgOfflineQueued = "Verification queued for processing when online"
	msgInterrupted   = "Verification response interrupted"

	statusOfflineQueued = "offline_queued"
)

type offlineQueuedBody struct {
	Success  bool   `json:"success"`
	Offline  bool   `json:"offline"`
	Message  string `json:"message"`
	Filename string `json:"filename"`
	Status   string `json:"status"`
}

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Submit tries to deliver a verification submission to the origin. When the
// origin cannot be reached the uploaded file is queued for a later drain.
func (s *Service) Submit(ctx context.Context, r *http.Request) Outcome {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.maxUploadBytes+1))
	if err != nil {
		return Outcome{Kind: Rejected, Err: fmt.Errorf("%w: read submission: %v", ErrNoFile, err)}
	}
	if int64(len(body)) > s.cfg.maxUploadBytes {
		return Outcome{Kind: Rejected, Err: ErrPayloadTooLarge}
	}

	// The key goes out with the first attempt and stays with a queued entry,
	// so the origin can recognize a replay of a submission it already saw.
	hdr := r.Header.Clone()
	key := hdr.Get("Idempotency-Key")
	if key == "" {
		key = uuid.NewString()
		hdr.Set("Idempotency-Key", key)
	}

	resp, err := s.roundTrip(ctx, http.MethodPost, r.URL.RequestURI(), hdr, body)
	if err == nil {
		return Outcome{Kind: Delivered, Response: resp}
	}
	if ctx.Err() != nil {
		return Outcome{Kind: Rejected, Err: ctx.Err()}
	}
	if errors.Is(err, errResponseBroken) {
		s.log.Warn("verification response interrupted, not queuing",
			zap.String("idempotency_key", key),
			zap.Error(err),
		)
		return Outcome{Kind: Rejected, Err: err}
	}

	p, err := extractPayload(r.Header.Get("Content-Type"), body, s.cfg.Verify.Field)
	if err != nil {
		return Outcome{Kind: Rejected, Err: err}
	}
	p.IdempotencyKey = key
	e, err := s.queue.Enqueue(p)
	if err != nil {
		s.log.Error("queue offline verification", zap.String("filename", p.Filename), zap.Error(err))
		return Outcome{Kind: Rejected, Filename: p.Filename, Err: fmt.Errorf("queue submission: %w", err)}
	}
	s.log.Info("verification queued while offline",
		zap.Uint64("id", e.ID),
		zap.String("filename", e.Filename),
		zap.Int64("size", e.Size),
	)
	return Outcome{Kind: Deferred, EntryID: e.ID, Filename: e.Filename}
}

// extractPayload pulls the file part named field out of a multipart body.
func extractPayload(contentType string, body []byte, field string) (Payload, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		return Payload{}, ErrNoFile
	}
	mr := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return Payload{}, ErrNoFile
		}
		if err != nil {
			return Payload{}, fmt.Errorf("%w: malformed multipart: %v", ErrNoFile, err)
		}
		if part.FormName() != field || part.FileName() == "" {
			_ = part.Close()
			continue
		}
		content, err := io.ReadAll(part)
		_ = part.Close()
		if err != nil {
			return Payload{}, fmt.Errorf("%w: read part: %v", ErrNoFile, err)
		}
		ct := part.Header.Get("Content-Type")
		if ct == "" {
			ct = "application/octet-stream"
		}
		return Payload{Filename: part.FileName(), ContentType: ct, Content: content}, nil
	}
}

func (s *Service) writeOutcome(w http.ResponseWriter, o Outcome) {
	switch o.Kind {
	case Delivered:
		s.writeEntryWithStats(w, o.Response, "delivered")
	case Deferred:
		s.observe("offline-queued", 0)
		w.Header().Set("X-Verifyedge-Queue-Id", strconv.FormatUint(o.EntryID, 10))
		writeJSON(w, http.StatusOK, "offline-queued", offlineQueuedBody{
			Success:  true,
			Offline:  true,
			Message:  msgOfflineQueued,
			Filename: o.Filename,
			Status:   statusOfflineQueued,
		})
	default:
		status, msg := http.StatusBadRequest, msgNoFile
		switch {
		case errors.Is(o.Err, ErrNoFile):
		case errors.Is(o.Err, ErrPayloadTooLarge):
			status, msg = http.StatusRequestEntityTooLarge, msgTooLarge
		case errors.Is(o.Err, errResponseBroken):
			status, msg = http.StatusBadGateway, msgInterrupted
		case errors.Is(o.Err, context.Canceled), errors.Is(o.Err, context.DeadlineExceeded):
			// client is gone; nothing useful to write
			return
		default:
			status, msg = http.StatusInternalServerError, "Could not queue verification"
		}
		s.observe("rejected", 0)
		writeJSON(w, status, "rejected", errorBody{Success: false, Error: msg})
	}
}

func writeJSON(w http.ResponseWriter, status int, kind string, v any) {
	w.Header().Set("Content-Type", "application/json")
	setEdgeHeaders(w.Header(), kind)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
