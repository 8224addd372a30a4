package authority

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/klauspost/compress/zstd"

	"lensboard/pkg/artifact"
)

// exportDocument is the decompressed content of an export object. Objects are
// age-encrypted when an export recipient is configured.
type exportDocument struct {
	Domain     string    `json:"domain"`
	Type       string    `json:"artifactType"`
	ExportedAt time.Time `json:"exportedAt"`
	Items      []Record  `json:"items"`
}

func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	if a.store.S3 == nil || a.opts.ExportBucket == "" {
		respondError(w, http.StatusFailedDependency, errors.New("export storage not configured"))
		return
	}

	key, err := collectionKey(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	items, err := a.store.Repo.List(r.Context(), key)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	now := time.Now().UTC()
	compressed, err := encodeExport(exportDocument{Domain: key.Domain, Type: key.Type, ExportedAt: now, Items: items})
	if err != nil {
		exportsTotal.WithLabelValues("error").Inc()
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	payload, contentType := compressed, "application/zstd"
	if a.opts.ExportRecipient != nil {
		payload, err = sealExport(compressed, a.opts.ExportRecipient)
		if err != nil {
			exportsTotal.WithLabelValues("error").Inc()
			respondError(w, http.StatusInternalServerError, err)
			return
		}
		contentType = "application/age"
	}
	sum := sha256.Sum256(payload)
	digest := hex.EncodeToString(sum[:])
	objectKey := exportObjectKey(key, now, a.opts.ExportRecipient != nil)

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	err = a.store.S3.PutObject(ctx, a.opts.ExportBucket, objectKey, bytes.NewReader(payload), int64(len(payload)), digest, contentType)
	if err != nil {
		exportsTotal.WithLabelValues("error").Inc()
		a.logger.Error().Err(err).Str("key", objectKey).Msg("upload export")
		respondError(w, http.StatusBadGateway, fmt.Errorf("upload export: %w", err))
		return
	}

	url, err := a.store.S3.PresignGet(ctx, a.opts.ExportBucket, objectKey, presignURLExpiry)
	if err != nil {
		exportsTotal.WithLabelValues("error").Inc()
		respondError(w, http.StatusInternalServerError, fmt.Errorf("presign get: %w", err))
		return
	}
	exportsTotal.WithLabelValues("ok").Inc()

	resp := map[string]any{
		"key":    objectKey,
		"url":    url,
		"count":  len(items),
		"sha256": digest,
	}
	if a.opts.ExportRecipient != nil {
		resp["recipient"] = a.opts.ExportRecipient.String()
	}
	respondJSON(w, http.StatusCreated, resp)
}

func exportObjectKey(key artifact.Key, at time.Time, sealed bool) string {
	name := fmt.Sprintf("exports/%s/%s/%s.json.zst", key.Domain, key.Type, at.Format("20060102T150405.000000000Z"))
	if sealed {
		name += ".age"
	}
	return name
}

func encodeExport(doc exportDocument) ([]byte, error) {
	var buf bytes.Buffer
	encoder, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	if err := json.NewEncoder(encoder).Encode(doc); err != nil {
		encoder.Close()
		return nil, fmt.Errorf("encode export: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("flush export: %w", err)
	}
	return buf.Bytes(), nil
}
