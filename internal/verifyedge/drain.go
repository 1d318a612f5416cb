package verifyedge

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Drain attempts redelivery of every pending entry, one at a time. A success
// is persisted as synced before the next entry starts; a failure leaves the
// entry pending for the next pass.
func (s *Service) Drain(ctx context.Context) (DrainReport, error) {
	var rep DrainReport

	pending, err := s.queue.Pending()
	if err != nil {
		return rep, fmt.Errorf("list pending: %w", err)
	}
	if len(pending) == 0 {
		return rep, nil
	}
	s.log.Info("draining offline verifications", zap.Int("pending", len(pending)))

	for _, e := range pending {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Attempted++

		if err := s.redeliver(ctx, e); err != nil {
			rep.Failed++
			s.log.Warn("verification resync failed",
				zap.Uint64("id", e.ID),
				zap.String("filename", e.Filename),
				zap.Error(err),
			)
			if rerr := s.queue.RecordFailure(e.ID, err); rerr != nil {
				s.log.Warn("record resync failure", zap.Uint64("id", e.ID), zap.Error(rerr))
			}
			continue
		}

		if _, err := s.queue.MarkSynced(e.ID); err != nil {
			// Delivered but not recorded: the entry stays pending and will be
			// resubmitted with the same idempotency key.
			rep.Failed++
			s.log.Error("mark verification synced", zap.Uint64("id", e.ID), zap.Error(err))
			continue
		}
		rep.Synced++
		s.log.Info("verification synced", zap.Uint64("id", e.ID), zap.String("filename", e.Filename))
	}

	s.log.Info("drain finished",
		zap.Int("attempted", rep.Attempted),
		zap.Int("synced", rep.Synced),
		zap.Int("failed", rep.Failed),
	)
	return rep, nil
}

// redeliver posts the stored payload to the origin verify endpoint. Only a
// 2xx answer counts as delivered.
func (s *Service) redeliver(ctx context.Context, e QueueEntry) error {
	body, contentType, err := encodeMultipart(s.cfg.Verify.Field, e)
	if err != nil {
		return err
	}
	hdr := make(http.Header)
	hdr.Set("Content-Type", contentType)
	hdr.Set("Idempotency-Key", e.IdempotencyKey)
	hdr.Set("X-Verifyedge-Replay", strconv.FormatUint(e.ID, 10))

	resp, err := s.roundTrip(ctx, http.MethodPost, s.cfg.Verify.Path, hdr, body)
	if err != nil {
		return err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		snippet := resp.Body
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return fmt.Errorf("unexpected status %d: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}
	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func encodeMultipart(field string, e QueueEntry) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(field), quoteEscaper.Replace(e.Filename)))
	ct := e.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)

	pw, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := pw.Write(e.Content); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}
