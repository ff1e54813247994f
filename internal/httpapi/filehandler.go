package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"

	"github.com/agentworkforce/relaydocs/internal/relaydocs"
)

var fileHandlerActions = map[string]bool{
	"view":     true,
	"download": true,
	"bulk":     true,
	"stream":   true,
	"tmp":      true,
	"create":   true,
	"redirect": true,
	"diff":     true,
	"track":    true,
}

const defaultNewFileExt = ".docx"

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.written {
		r.status = status
		r.written = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if !r.written {
		r.status = http.StatusOK
		r.written = true
	}
	return r.ResponseWriter.Write(p)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// handleFileHandler dispatches the single file endpoint on its action
// parameter.
func (s *Server) handleFileHandler(w http.ResponseWriter, r *http.Request) {
	action := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("action")))
	metricAction := action
	if !fileHandlerActions[metricAction] {
		metricAction = "unknown"
	}
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		if s.metrics != nil {
			s.metrics.ObserveResponse(metricAction, rec.status)
		}
	}()
	w = rec
	correlationID := getCorrelationID(r)

	if action == "track" {
		s.handleTrack(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodPost:
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", correlationID)
		return
	}

	identity := relaydocs.Identity{}
	if header := r.Header.Get("Authorization"); header != "" {
		parsed, authErr := authorizeBearer(header, s.cfg.JWTSecret, s.now())
		if authErr != nil {
			writeError(w, http.StatusForbidden, "forbidden", authErr.message, correlationID)
			return
		}
		identity = parsed
	}
	r = r.WithContext(relaydocs.WithIdentity(r.Context(), identity))
	if s.gate != nil && !s.gate.Paid(r.Context()) {
		writeError(w, http.StatusPaymentRequired, "payment_required", "tenant subscription is not paid", correlationID)
		return
	}

	switch action {
	case "view", "download":
		s.handleDownload(w, r, action)
	case "bulk":
		s.handleBulk(w, r)
	case "stream":
		s.handleStream(w, r)
	case "tmp":
		s.handleTemp(w, r)
	case "create":
		s.handleCreate(w, r)
	case "redirect":
		s.handleRedirect(w, r)
	case "diff":
		s.handleDiff(w, r)
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "unknown action", correlationID)
	}
}

func queryVersion(r *http.Request) (int, error) {
	version, err := parseOptionalBoundedInt(r.URL.Query().Get("version"), 0, 0, math.MaxInt32)
	if err != nil {
		return 0, fmt.Errorf("%w: version must be a non-negative integer", relaydocs.ErrBadRequest)
	}
	return version, nil
}

func (s *Server) fileVersion(ctx context.Context, fileID string, version int) (relaydocs.File, error) {
	if version > 0 {
		return s.store.GetFileVersion(ctx, fileID, version)
	}
	return s.store.GetFile(ctx, fileID)
}

// resolveReadable finds a file the caller may read, either through a share
// token or through the caller's own rights.
func (s *Server) resolveReadable(ctx context.Context, fileID string, version int, shareToken string) (relaydocs.File, error) {
	if strings.TrimSpace(fileID) == "" {
		return relaydocs.File{}, fmt.Errorf("%w: fileid is required", relaydocs.ErrBadRequest)
	}
	if shareToken != "" {
		if s.shareLinks == nil {
			return relaydocs.File{}, fmt.Errorf("%w: share links are disabled", relaydocs.ErrForbidden)
		}
		linked, ok, err := s.shareLinks.Check(ctx, shareToken, true)
		if err != nil {
			return relaydocs.File{}, err
		}
		if !ok || linked.ID != fileID {
			return relaydocs.File{}, fmt.Errorf("%w: share token does not grant file %s", relaydocs.ErrForbidden, fileID)
		}
		if version > 0 && version != linked.Version {
			return s.store.GetFileVersion(ctx, fileID, version)
		}
		return linked, nil
	}
	if relaydocs.IdentityFrom(ctx).Anonymous() {
		return relaydocs.File{}, fmt.Errorf("%w: authentication required", relaydocs.ErrForbidden)
	}
	file, err := s.fileVersion(ctx, fileID, version)
	if err != nil {
		return relaydocs.File{}, err
	}
	if !s.security.CanRead(ctx, file) {
		return relaydocs.File{}, fmt.Errorf("%w: file %s", relaydocs.ErrForbidden, fileID)
	}
	return file, nil
}

func usable(file relaydocs.File) error {
	if file.Error != "" {
		return fmt.Errorf("%w: file %s is unusable: %s", relaydocs.ErrNotFound, file.ID, file.Error)
	}
	return nil
}

func (s *Server) nativePayload(file relaydocs.File, disposition string) payload {
	return payload{
		title:       file.Title,
		disposition: disposition,
		length:      file.ContentLength,
		exact:       true,
		seekable:    true,
		etag:        fileETag(file),
		open: func(ctx context.Context, offset int64) (io.ReadCloser, error) {
			return s.store.GetFileStream(ctx, file, offset)
		},
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, action string) {
	ctx := r.Context()
	q := r.URL.Query()
	version, err := queryVersion(r)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	file, err := s.resolveReadable(ctx, q.Get("fileid"), version, q.Get("doc"))
	if err == nil {
		err = usable(file)
	}
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	toExt := normalizeExt(q.Get("outputtype"))
	convert := toExt != "" && toExt != file.Extension()
	if convert && (s.converter == nil || !s.converter.EnableConvert(file, toExt)) {
		writeError(w, http.StatusBadRequest, "bad_request", "conversion to "+toExt+" is not supported", getCorrelationID(r))
		return
	}
	disposition := "attachment"
	if action == "view" {
		disposition = "inline"
	}
	p := s.nativePayload(file, disposition)
	if convert {
		p.title = relaydocs.ReplaceExtension(file.Title, toExt)
		p.etag = strings.TrimSuffix(p.etag, `"`) + ":" + strings.TrimPrefix(toExt, ".") + `"`
		p.exact = false
		p.seekable = false
		p.open = func(ctx context.Context, _ int64) (io.ReadCloser, error) {
			return s.converter.Exec(ctx, file, toExt)
		}
	}
	if etagMatches(r.Header.Get("If-None-Match"), p.etag) {
		w.Header().Set("ETag", p.etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	exists, err := s.store.IsExistOnStorage(ctx, file)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, "not_found", "file content not found", getCorrelationID(r))
		return
	}
	s.clearNewTag(ctx, file)

	// share-link readers are always proxied
	if !convert && q.Get("doc") == "" && s.store.IsSupportedPreSignedURI(file) {
		uri, err := s.store.GetPreSignedURI(ctx, file, s.cfg.PresignExpire)
		if err == nil {
			http.Redirect(w, r, uri, http.StatusFound)
			return
		}
		s.logger.Warn(ctx, "presign failed, proxying content", "fileId", file.ID, "error", err)
	}
	s.deliver(w, r, action, p)
}

func (s *Server) clearNewTag(ctx context.Context, file relaydocs.File) {
	userID := relaydocs.IdentityFrom(ctx).UserID
	if s.marker == nil || userID == "" {
		return
	}
	if err := s.marker.RemoveMarkAsNew(ctx, file, userID); err != nil {
		s.logger.Warn(ctx, "clear new tag failed", "fileId", file.ID, "error", err)
	}
}

// handleStream serves one file version to services holding a signed stream
// link.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	version, err := queryVersion(r)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	file, err := s.signedFile(ctx, q, version)
	if err == nil {
		err = usable(file)
	}
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.deliver(w, r, "stream", s.nativePayload(file, "attachment"))
}

// signedFile resolves the file of a stream or diff link. Requests without a
// stream_auth key fall back to share token or identity rights.
func (s *Server) signedFile(ctx context.Context, q url.Values, version int) (relaydocs.File, error) {
	fileID := q.Get("fileid")
	key := q.Get("stream_auth")
	if key == "" {
		return s.resolveReadable(ctx, fileID, version, q.Get("doc"))
	}
	if s.keys == nil || version == 0 {
		return relaydocs.File{}, fmt.Errorf("%w: invalid stream signature", relaydocs.ErrForbidden)
	}
	if err := s.keys.Validate(relaydocs.StreamKeyValue(fileID, version), key, s.cfg.StreamURLExpire); err != nil {
		return relaydocs.File{}, err
	}
	return s.store.GetFileVersion(ctx, fileID, version)
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	version, err := queryVersion(r)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	file, err := s.signedFile(ctx, q, version)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.deliver(w, r, "diff", payload{
		title:  "diff.zip",
		length: -1,
		open: func(ctx context.Context, _ int64) (io.ReadCloser, error) {
			return s.store.GetDifferenceStream(ctx, file)
		},
	})
}

func (s *Server) handleTemp(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("filename")
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid filename", getCorrelationID(r))
		return
	}
	if s.keys == nil {
		writeError(w, http.StatusForbidden, "forbidden", "invalid auth key", getCorrelationID(r))
		return
	}
	if err := s.keys.Validate(name, q.Get("auth"), s.cfg.StreamURLExpire); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	content := s.store.Content()
	s.deliver(w, r, "tmp", payload{
		title:    name,
		length:   -1,
		seekable: true,
		open: func(ctx context.Context, offset int64) (io.ReadCloser, error) {
			return content.Open(ctx, relaydocs.TempStreamKey(name), offset)
		},
	})
}

// handleBulk serves the caller's prepared bulk download archive.
func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := relaydocs.IdentityFrom(ctx)
	if identity.Anonymous() {
		writeError(w, http.StatusForbidden, "forbidden", "authentication required", getCorrelationID(r))
		return
	}
	content := s.store.Content()
	key := relaydocs.BulkKey(identity.UserID, s.cfg.BulkTitle)
	exists, err := content.Exists(ctx, key)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, "not_found", "no bulk download prepared", getCorrelationID(r))
		return
	}
	s.deliver(w, r, "bulk", payload{
		title:    s.cfg.BulkTitle,
		length:   -1,
		seekable: true,
		open: func(ctx context.Context, offset int64) (io.ReadCloser, error) {
			return content.Open(ctx, key, offset)
		},
	})
}

// handleRedirect sends the caller to a signed stream link of a file it may
// read.
func (s *Server) handleRedirect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	version, err := queryVersion(r)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	file, err := s.resolveReadable(r.Context(), q.Get("fileid"), version, q.Get("doc"))
	if err == nil {
		err = usable(file)
	}
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if s.links == nil || s.links.Keys == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "stream links are not configured", getCorrelationID(r))
		return
	}
	http.Redirect(w, r, s.links.StreamURL(file), http.StatusFound)
}

// handleCreate makes a new file in a folder from a template or from the
// content behind createUrl.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	identity := relaydocs.IdentityFrom(ctx)
	if identity.Anonymous() {
		writeError(w, http.StatusForbidden, "forbidden", "authentication required", getCorrelationID(r))
		return
	}
	folderID := q.Get("folderid")
	if folderID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "folderid is required", getCorrelationID(r))
		return
	}
	folder, err := s.store.GetFolder(ctx, folderID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if folder.RootType == relaydocs.FolderTrash {
		s.writeDomainError(w, r, fmt.Errorf("%w: folder %s is in trash", relaydocs.ErrInvalidState, folderID))
		return
	}
	if !s.security.CanCreate(ctx, folder) {
		s.writeDomainError(w, r, fmt.Errorf("%w: cannot create in folder %s", relaydocs.ErrForbidden, folderID))
		return
	}

	title := relaydocs.SanitizeTitle(q.Get("title"))
	ext := relaydocs.FileExtension(title)
	if ext == "" {
		ext = normalizeExt(q.Get("ext"))
		if ext == "" {
			ext = defaultNewFileExt
		}
		if title == "" {
			title = "New document"
		}
		title += ext
	}

	var body io.Reader
	if createURL := q.Get("createUrl"); createURL != "" {
		rc, err := s.downloader.Download(ctx, createURL)
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		defer rc.Close()
		body = rc
	} else {
		rc, err := s.store.Content().Open(ctx, relaydocs.TemplateKey(ext), 0)
		switch {
		case errors.Is(err, relaydocs.ErrNotFound):
			body = strings.NewReader("")
		case err != nil:
			s.writeDomainError(w, r, err)
			return
		default:
			defer rc.Close()
			body = rc
		}
	}

	file, err := s.store.SaveFile(ctx, relaydocs.File{
		EntryMeta: relaydocs.EntryMeta{
			Title:      title,
			ParentID:   folder.ID,
			CreatedBy:  identity.UserID,
			ModifiedBy: identity.UserID,
		},
	}, body)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if s.marker != nil {
		if err := s.marker.MarkAsNew(ctx, file); err != nil {
			s.logger.Warn(ctx, "mark as new failed", "fileId", file.ID, "error", err)
		}
		s.clearNewTag(ctx, file)
	}
	s.logger.Info(ctx, "file created", "fileId", file.ID, "folderId", folder.ID)
	writeJSON(w, http.StatusCreated, file)
}
