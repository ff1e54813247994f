package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaydocs/internal/logging"
	"github.com/agentworkforce/relaydocs/internal/relaydocs"
)

type ServerConfig struct {
	JWTSecret string
	// SignatureSecret verifies editor callback tokens. Empty means callback
	// bodies are trusted as sent.
	SignatureSecret     string
	RateLimitMax        int
	RateLimitWindow     time.Duration
	MaxBodyBytes        int64
	FileHandlerPath     string
	InlineThreshold     int64
	ChunkSize           int
	PresignExpire       time.Duration
	StreamURLExpire     time.Duration
	TrackCallbackExpire time.Duration
	BulkTitle           string
}

// TenantGate reports whether the caller's tenant may use the file handler.
type TenantGate interface {
	Paid(ctx context.Context) bool
}

// Deps are the components the server dispatches to. Store, Catalog,
// Ledger, Tracker and Security are required.
type Deps struct {
	Store      relaydocs.MetadataStore
	Catalog    *relaydocs.Catalog
	Ledger     *relaydocs.Ledger
	Tracker    *relaydocs.EditTracker
	Track      *relaydocs.TrackProcessor
	Security   relaydocs.Security
	Marker     *relaydocs.FileMarker
	Converter  relaydocs.Converter
	Downloader relaydocs.Downloader
	Links      *relaydocs.Links
	Keys       *relaydocs.SignedKeys
	ShareLinks *relaydocs.ShareLinks
	Gate       TenantGate
	Metrics    DeliveryMetrics
	Logger     logging.Logger
}

type Server struct {
	cfg         ServerConfig
	store       relaydocs.MetadataStore
	catalog     *relaydocs.Catalog
	ledger      *relaydocs.Ledger
	tracker     *relaydocs.EditTracker
	track       *relaydocs.TrackProcessor
	security    relaydocs.Security
	marker      *relaydocs.FileMarker
	converter   relaydocs.Converter
	downloader  relaydocs.Downloader
	links       *relaydocs.Links
	keys        *relaydocs.SignedKeys
	shareLinks  *relaydocs.ShareLinks
	gate        TenantGate
	metrics     DeliveryMetrics
	logger      logging.Logger
	editors     *EditorsHub
	rateLimiter *rateLimiter
	now         func() time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(deps Deps, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 20
	}
	if cfg.FileHandlerPath == "" {
		cfg.FileHandlerPath = "/files/handler"
	}
	if cfg.InlineThreshold <= 0 {
		cfg.InlineThreshold = defaultInlineThreshold
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.PresignExpire <= 0 {
		cfg.PresignExpire = 15 * time.Minute
	}
	if cfg.StreamURLExpire <= 0 {
		cfg.StreamURLExpire = 5 * time.Minute
	}
	if cfg.TrackCallbackExpire <= 0 {
		cfg.TrackCallbackExpire = 7 * 24 * time.Hour
	}
	if cfg.BulkTitle == "" {
		cfg.BulkTitle = "documents.zip"
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	downloader := deps.Downloader
	if downloader == nil {
		downloader = relaydocs.HTTPDownloader{}
	}
	s := &Server{
		cfg:         cfg,
		store:       deps.Store,
		catalog:     deps.Catalog,
		ledger:      deps.Ledger,
		tracker:     deps.Tracker,
		track:       deps.Track,
		security:    deps.Security,
		marker:      deps.Marker,
		converter:   deps.Converter,
		downloader:  downloader,
		links:       deps.Links,
		keys:        deps.Keys,
		shareLinks:  deps.ShareLinks,
		gate:        deps.Gate,
		metrics:     deps.Metrics,
		logger:      logger,
		editors:     NewEditorsHub(logger),
		rateLimiter: limiter,
		now:         time.Now,
	}
	if s.tracker != nil {
		s.tracker.SetNotifier(s.editors)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == s.cfg.FileHandlerPath {
		s.handleFileHandler(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || (parts[1] != "folders" && parts[1] != "files") || parts[2] == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)

	var route string
	switch {
	case parts[1] == "folders" && len(parts) == 4 && parts[3] == "entries" && r.Method == http.MethodGet:
		route = "list_entries"
	case parts[1] == "folders" && len(parts) == 4 && parts[3] == "breadcrumbs" && r.Method == http.MethodGet:
		route = "breadcrumbs"
	case parts[1] == "folders" && len(parts) == 4 && parts[3] == "items" && r.Method == http.MethodDelete:
		route = "delete_items"
	case parts[1] == "folders" && len(parts) == 4 && parts[3] == "move-shared" && r.Method == http.MethodPost:
		route = "move_shared"
	case parts[1] == "folders" && len(parts) == 4 && parts[3] == "reassign" && r.Method == http.MethodPost:
		route = "reassign"
	case parts[1] == "files" && len(parts) == 4 && parts[3] == "content" && r.Method == http.MethodPut:
		route = "save_content"
	case parts[1] == "files" && len(parts) == 6 && parts[3] == "versions" && parts[5] == "restore" && r.Method == http.MethodPost:
		route = "restore_version"
	case parts[1] == "files" && len(parts) == 6 && parts[3] == "versions" && parts[5] == "complete" && r.Method == http.MethodPost:
		route = "complete_version"
	case parts[1] == "files" && len(parts) == 4 && parts[3] == "rename" && r.Method == http.MethodPost:
		route = "rename"
	case parts[1] == "files" && len(parts) == 4 && parts[3] == "lock" && r.Method == http.MethodPost:
		route = "lock"
	case parts[1] == "files" && len(parts) == 4 && parts[3] == "lock" && r.Method == http.MethodDelete:
		route = "unlock"
	case parts[1] == "files" && len(parts) == 4 && parts[3] == "editing" && r.Method == http.MethodPost:
		route = "track_editing"
	case parts[1] == "files" && len(parts) == 4 && parts[3] == "editing" && r.Method == http.MethodDelete:
		route = "stop_editing"
	case parts[1] == "files" && len(parts) == 4 && parts[3] == "editors" && r.Method == http.MethodGet:
		route = "editors"
	case parts[1] == "files" && len(parts) == 5 && parts[3] == "editors" && parts[4] == "ws" && r.Method == http.MethodGet:
		route = "editors_ws"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" && route == "editors_ws" {
		if token := r.URL.Query().Get("access_token"); token != "" {
			authHeader = "Bearer " + token
		}
	}
	identity, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, s.now())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil {
		key := identity.TenantID + "|" + identity.UserID
		if !s.rateLimiter.allow(key, s.now()) {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(s.cfg.RateLimitWindow.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}
	r = r.WithContext(relaydocs.WithIdentity(r.Context(), identity))

	id := parts[2]
	switch route {
	case "list_entries":
		s.handleListEntries(w, r, id, correlationID)
	case "breadcrumbs":
		s.handleBreadCrumbs(w, r, id, correlationID)
	case "delete_items":
		s.handleDeleteItems(w, r, id, correlationID)
	case "move_shared":
		s.handleMoveShared(w, r, id, correlationID)
	case "reassign":
		s.handleReassign(w, r, id, correlationID)
	case "save_content":
		s.handleSaveContent(w, r, id, correlationID)
	case "restore_version", "complete_version":
		version, err := strconv.Atoi(parts[4])
		if err != nil || version < 1 {
			writeError(w, http.StatusBadRequest, "bad_request", "version must be a positive integer", correlationID)
			return
		}
		if route == "restore_version" {
			s.handleRestoreVersion(w, r, id, version, correlationID)
		} else {
			s.handleCompleteVersion(w, r, id, version, correlationID)
		}
	case "rename":
		s.handleRename(w, r, id, correlationID)
	case "lock", "unlock":
		s.handleLock(w, r, id, route == "lock")
	case "track_editing":
		s.handleTrackEditing(w, r, id, correlationID)
	case "stop_editing":
		s.handleStopEditing(w, r, id)
	case "editors":
		s.handleEditors(w, r, id)
	case "editors_ws":
		s.handleEditorsWS(w, r, id)
	}
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request, folderID, correlationID string) {
	q := r.URL.Query()
	filter, ok := parseFilter(q.Get("filter"))
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown filter", correlationID)
		return
	}
	sortedBy, ok := parseSortedBy(q.Get("orderBy"))
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown orderBy", correlationID)
		return
	}
	asc, err := parseOptionalBool(q.Get("asc"), sortedBy != relaydocs.SortByDateAndTime && sortedBy != relaydocs.SortByNew)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "asc must be a boolean", correlationID)
		return
	}
	offset, err := parseOptionalBoundedInt(q.Get("offset"), 0, 0, math.MaxInt32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "offset must be a non-negative integer", correlationID)
		return
	}
	limit := parseBoundedInt(q.Get("limit"), 100, 1, 1000)

	listing, err := s.catalog.ListEntries(r.Context(), relaydocs.ListQuery{
		ParentID:   folderID,
		Filter:     filter,
		SubjectID:  q.Get("subject"),
		OrderBy:    relaydocs.OrderBy{By: sortedBy, Asc: asc},
		SearchText: q.Get("search"),
		Offset:     offset,
		Limit:      limit,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handleBreadCrumbs(w http.ResponseWriter, r *http.Request, folderID, correlationID string) {
	crumbs, err := s.catalog.GetBreadCrumbs(r.Context(), folderID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"folderId": folderID, "breadcrumbs": crumbs})
}

func (s *Server) handleDeleteItems(w http.ResponseWriter, r *http.Request, folderID, correlationID string) {
	if err := s.catalog.DeleteSubitems(r.Context(), folderID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMoveShared(w http.ResponseWriter, r *http.Request, folderID, correlationID string) {
	var body struct {
		ToFolderID string `json:"toFolderId"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if strings.TrimSpace(body.ToFolderID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "toFolderId is required", correlationID)
		return
	}
	if err := s.catalog.MoveSharedItems(r.Context(), folderID, body.ToFolderID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReassign(w http.ResponseWriter, r *http.Request, folderID, correlationID string) {
	var body struct {
		FromUser string `json:"fromUser"`
		ToUser   string `json:"toUser"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if body.FromUser == "" || body.ToUser == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "fromUser and toUser are required", correlationID)
		return
	}
	if err := s.catalog.ReassignItems(r.Context(), folderID, body.FromUser, body.ToUser); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSaveContent(w http.ResponseWriter, r *http.Request, fileID, correlationID string) {
	q := r.URL.Query()
	req := relaydocs.SaveRequest{
		FileID:      fileID,
		Extension:   normalizeExt(q.Get("ext")),
		ShareToken:  q.Get("doc"),
		Comment:     q.Get("comment"),
		CheckRights: true,
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			DownloadURI string `json:"downloadUri"`
		}
		if !s.decodeJSONBody(w, r, correlationID, &body) {
			return
		}
		if strings.TrimSpace(body.DownloadURI) == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "downloadUri is required", correlationID)
			return
		}
		req.SourceURI = body.DownloadURI
	} else {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		req.Body = r.Body
	}

	file, err := s.ledger.SaveEditing(r.Context(), req)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return
		}
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

func (s *Server) handleRestoreVersion(w http.ResponseWriter, r *http.Request, fileID string, version int, correlationID string) {
	file, err := s.ledger.UpdateToVersionFile(r.Context(), fileID, version, r.URL.Query().Get("doc"), true)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

func (s *Server) handleCompleteVersion(w http.ResponseWriter, r *http.Request, fileID string, version int, correlationID string) {
	continueVersion, err := parseOptionalBool(r.URL.Query().Get("continue"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "continue must be a boolean", correlationID)
		return
	}
	file, err := s.ledger.CompleteVersion(r.Context(), fileID, version, continueVersion, true)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request, fileID, correlationID string) {
	var body struct {
		Title string `json:"title"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if strings.TrimSpace(body.Title) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "title is required", correlationID)
		return
	}
	file, renamed, err := s.ledger.FileRename(r.Context(), fileID, body.Title)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"file": file, "renamed": renamed})
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request, fileID string, lock bool) {
	var (
		file relaydocs.File
		err  error
	)
	if lock {
		file, err = s.tracker.LockFile(r.Context(), fileID)
	} else {
		file, err = s.tracker.UnlockFile(r.Context(), fileID)
	}
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

func (s *Server) handleTrackEditing(w http.ResponseWriter, r *http.Request, fileID, correlationID string) {
	raw, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	var body struct {
		SessionID  string `json:"sessionId"`
		ShareToken string `json:"doc"`
		Solo       bool   `json:"solo"`
	}
	if len(strings.TrimSpace(string(raw))) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
			return
		}
	}
	err := s.tracker.TrackEditing(r.Context(), relaydocs.EditRequest{
		FileID:     fileID,
		SessionID:  body.SessionID,
		ShareToken: body.ShareToken,
		Solo:       body.Solo,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, editorsEvent{FileID: fileID, Editors: nonNil(s.tracker.GetEditingBy(fileID))})
}

func (s *Server) handleStopEditing(w http.ResponseWriter, r *http.Request, fileID string) {
	if _, err := s.readableFile(r.Context(), fileID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if err := s.tracker.StopEditing(r.Context(), fileID, r.URL.Query().Get("sessionId")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEditors(w http.ResponseWriter, r *http.Request, fileID string) {
	if _, err := s.readableFile(r.Context(), fileID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, editorsEvent{FileID: fileID, Editors: nonNil(s.tracker.GetEditingBy(fileID))})
}

// readableFile loads the latest version of fileID when the caller may read
// it.
func (s *Server) readableFile(ctx context.Context, fileID string) (relaydocs.File, error) {
	file, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return relaydocs.File{}, err
	}
	if !s.security.CanRead(ctx, file) {
		return relaydocs.File{}, fmt.Errorf("%w: file %s", relaydocs.ErrForbidden, fileID)
	}
	return file, nil
}

func parseFilter(raw string) (relaydocs.FilterType, bool) {
	filter := relaydocs.FilterType(strings.TrimSpace(raw))
	switch filter {
	case relaydocs.FilterNone, relaydocs.FilterFilesOnly, relaydocs.FilterFoldersOnly,
		relaydocs.FilterDocuments, relaydocs.FilterSpreadsheets, relaydocs.FilterPresentations,
		relaydocs.FilterImages, relaydocs.FilterArchive, relaydocs.FilterByUser,
		relaydocs.FilterByDepartment, relaydocs.FilterByExtension:
		return filter, true
	}
	return "", false
}

func parseSortedBy(raw string) (relaydocs.SortedBy, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return relaydocs.SortByDateAndTime, true
	}
	by := relaydocs.SortedBy(raw)
	switch by {
	case relaydocs.SortByType, relaydocs.SortByAuthor, relaydocs.SortBySize,
		relaydocs.SortByAZ, relaydocs.SortByDateAndTime, relaydocs.SortByNew:
		return by, true
	}
	return "", false
}

func normalizeExt(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" || strings.HasPrefix(raw, ".") {
		return raw
	}
	return "." + raw
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

// errorStatus maps the domain error taxonomy onto a status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, relaydocs.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, relaydocs.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, relaydocs.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, relaydocs.ErrInvalidState):
		return http.StatusBadRequest, "invalid_state"
	case errors.Is(err, relaydocs.ErrBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, relaydocs.ErrNotImplemented):
		return http.StatusNotImplemented, "not_implemented"
	case errors.Is(err, relaydocs.ErrUpstream):
		return http.StatusBadGateway, "upstream_failure"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	correlationID := getCorrelationID(r)
	if status >= http.StatusInternalServerError {
		s.logger.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err, "correlationId", correlationID)
	}
	writeError(w, status, code, err.Error(), correlationID)
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, err
	}
	if parsed < min || parsed > max {
		return 0, fmt.Errorf("out of range")
	}
	return parsed, nil
}

func parseOptionalBool(raw string, fallback bool) (bool, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(trimmed)
	if err != nil {
		return false, err
	}
	return parsed, nil
}
