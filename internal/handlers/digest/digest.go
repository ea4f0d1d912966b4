// Package digest implements a handler that reads the request body in pull
// mode and answers with its size and checksum.
package digest

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"net/http"
	"strings"

	"example.com/carbonhttp/v2/internal/httperr"
	"example.com/carbonhttp/v2/internal/logger"
	"example.com/carbonhttp/v2/internal/message"
	"example.com/carbonhttp/v2/internal/server"
)

// Config is the handler_config of a digest route.
type Config struct {
	// Algorithm is "sha256" (default) or "sha512".
	Algorithm string `json:"algorithm,omitempty"`
}

// Result is the JSON response body.
type Result struct {
	Bytes     int64  `json:"bytes"`
	Chunks    int    `json:"chunks"`
	Algorithm string `json:"algorithm"`
	Digest    string `json:"digest"`
}

// Handler computes body digests.
type Handler struct {
	algorithm string
	newHash   func() hash.Hash
	log       *logger.Logger
}

// New is the server.HandlerFactory for the "Digest" handler type.
func New(raw json.RawMessage, lg *logger.Logger) (server.Handler, error) {
	var cfg Config
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("digest: invalid handler_config: %w", err)
		}
	}
	h := &Handler{log: lg}
	switch alg := strings.ToLower(cfg.Algorithm); alg {
	case "", "sha256":
		h.algorithm, h.newHash = "sha256", sha256.New
	case "sha512":
		h.algorithm, h.newHash = "sha512", sha512.New
	default:
		return nil, fmt.Errorf("digest: unsupported algorithm '%s'", cfg.Algorithm)
	}
	return h, nil
}

func (h *Handler) ServeCarbon(w http.ResponseWriter, r *http.Request, msg *message.CarbonMessage) {
	sum := h.newHash()
	res := Result{Algorithm: h.algorithm}

	future := msg.Future()
	for {
		c, err := future.BlockingGet(r.Context())
		if err != nil {
			if errors.Is(err, message.ErrConnectionClosed) || r.Context().Err() != nil {
				// Nobody is left to read a response.
				return
			}
			h.log.Error("Digest failed to read request body", logger.LogFields{"error": err.Error()})
			httperr.Write(w, r, http.StatusInternalServerError, "", nil, h.log)
			return
		}
		sum.Write(c.Data)
		res.Bytes += int64(c.Len())
		res.Chunks++
		if c.IsLast() {
			break
		}
	}
	res.Digest = hex.EncodeToString(sum.Sum(nil))

	body, err := json.Marshal(res)
	if err != nil {
		httperr.Write(w, r, http.StatusInternalServerError, "", nil, h.log)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", fmt.Sprint(len(body)))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
