package server

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"

	"dmrelay/internal/apperr"
)

const (
	headerNonce   = "X-Nonce"
	headerAuthTag = "X-Auth-Tag"
)

// handleUploadAttachment stores a client-encrypted blob owned by the
// authenticated identity and returns its reference.
func (s *Server) handleUploadAttachment(w http.ResponseWriter, r *http.Request) {
	identity, err := s.authenticateRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	nonce, err := decodeHeader(r, headerNonce)
	if err != nil {
		writeError(w, err)
		return
	}
	tag, err := decodeHeader(r, headerAuthTag)
	if err != nil {
		writeError(w, err)
		return
	}

	limit := s.cfg.Limits.MaxAttachmentSize
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, apperr.BadRequest(fmt.Sprintf("attachment exceeds %d bytes", limit)))
			return
		}
		writeError(w, apperr.BadRequest("failed to read attachment"))
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	meta, err := s.blobs.Put(identity, contentType, nonce, tag, body)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			err = apperr.PersistenceFailure("failed to store attachment", err)
		}
		writeError(w, err)
		return
	}

	s.log.Info("Attachment stored", map[string]string{"identity": identity, "ref": meta.Ref, "size": fmt.Sprintf("%d", meta.Size)})
	writeJSON(w, http.StatusCreated, map[string]string{"ref": meta.Ref})
}

// handleDownloadAttachment returns a blob to its owner or to an identity
// that shares a live envelope referencing it.
func (s *Server) handleDownloadAttachment(w http.ResponseWriter, r *http.Request) {
	identity, err := s.authenticateRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	ref := r.PathValue("ref")
	meta, data, err := s.blobs.Get(ref)
	if err != nil {
		writeError(w, err)
		return
	}
	if meta.Owner != identity && !s.relay.SharesAttachment(identity, ref) {
		// Same answer as a missing blob.
		writeError(w, apperr.NotFound(fmt.Sprintf("attachment %s not found", ref)))
		return
	}

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set(headerNonce, base64.StdEncoding.EncodeToString(meta.Nonce))
	w.Header().Set(headerAuthTag, base64.StdEncoding.EncodeToString(meta.Tag))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.log.Debug("Attachment write failed", map[string]string{"ref": ref, "error": err.Error()})
	}
}

func (s *Server) authenticateRequest(r *http.Request) (string, error) {
	identity, secret, ok := r.BasicAuth()
	if !ok {
		return "", apperr.AuthFailure("credentials required")
	}
	if err := s.database.VerifyCredential(identity, secret); err != nil {
		return "", err
	}
	return identity, nil
}

func decodeHeader(r *http.Request, name string) ([]byte, error) {
	v := r.Header.Get(name)
	if v == "" {
		return nil, apperr.BadRequest(fmt.Sprintf("%s header is required", name))
	}
	b, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, apperr.BadRequest(fmt.Sprintf("%s header is not valid base64", name))
	}
	return b, nil
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	message := "internal error"
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	if kind == apperr.KindAuthFailure {
		w.Header().Set("WWW-Authenticate", `Basic realm="dmrelay"`)
	}
	writeJSON(w, kind.Code(), map[string]string{"kind": string(kind), "error": message})
}
