package httpapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"syscall"

	"github.com/agentworkforce/relaydocs/internal/relaydocs"
)

const (
	defaultInlineThreshold = 4 << 20
	defaultChunkSize       = 8 << 10
)

// DeliveryMetrics observes file handler traffic. A nil value disables it.
type DeliveryMetrics interface {
	ObserveResponse(action string, status int)
	AddBytes(action string, n int64)
	ClientAborted(action string)
}

// payload is a byte source offered to a client.
type payload struct {
	title       string
	disposition string
	// length is the stored size used to pick the delivery path, or -1.
	length int64
	// exact means the stream yields exactly length bytes, which is what
	// makes byte ranges answerable.
	exact bool
	// seekable sources honor the offset passed to open; others are
	// advanced by reading and discarding.
	seekable bool
	etag     string
	open     func(ctx context.Context, offset int64) (io.ReadCloser, error)
}

func fileETag(file relaydocs.File) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(file.Title))
	return fmt.Sprintf(`W/"%s:%d:%08x:%d"`, file.ID, file.Version, h.Sum32(), file.ContentLength)
}

func etagMatches(header, etag string) bool {
	if header == "" || etag == "" {
		return false
	}
	want := normalizeETag(etag)
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || normalizeETag(candidate) == want {
			return true
		}
	}
	return false
}

func normalizeETag(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if strings.HasPrefix(value, "W/") || strings.HasPrefix(value, "w/") {
		value = strings.TrimSpace(value[2:])
	}
	if len(value) >= 2 && strings.HasPrefix(value, "\"") && strings.HasSuffix(value, "\"") {
		value = strings.TrimSpace(value[1 : len(value)-1])
	}
	return value
}

// parseRangeStart reads the first byte offset of a "bytes=N-" or
// "bytes=N-M" header. Suffix and multi-part ranges are not served.
func parseRangeStart(header string) (int64, bool) {
	ranges, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok || strings.Contains(ranges, ",") {
		return 0, false
	}
	start, _, ok := strings.Cut(ranges, "-")
	if !ok || strings.TrimSpace(start) == "" {
		return 0, false
	}
	offset, err := strconv.ParseInt(strings.TrimSpace(start), 10, 64)
	if err != nil || offset < 0 {
		return 0, false
	}
	return offset, true
}

func contentDisposition(disposition, title string) string {
	if disposition == "" {
		disposition = "attachment"
	}
	value := mime.FormatMediaType(disposition, map[string]string{"filename": relaydocs.DownloadTitle(title)})
	if value == "" {
		return disposition
	}
	return value
}

// deliver writes p to w. Small payloads are buffered and written once;
// anything else is streamed in chunks, starting at the requested range
// offset when the length is exact.
func (s *Server) deliver(w http.ResponseWriter, r *http.Request, action string, p payload) {
	header := w.Header()
	if p.etag != "" {
		header.Set("ETag", p.etag)
		if etagMatches(r.Header.Get("If-None-Match"), p.etag) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	header.Set("Content-Type", relaydocs.MimeType(p.title))
	header.Set("Content-Disposition", contentDisposition(p.disposition, p.title))
	header.Set("Cache-Control", "public")

	if p.length >= 0 && p.length <= s.cfg.InlineThreshold {
		s.deliverInline(w, r, action, p)
		return
	}
	s.deliverChunked(w, r, action, p)
}

func (s *Server) deliverInline(w http.ResponseWriter, r *http.Request, action string, p payload) {
	ctx := r.Context()
	rc, err := p.open(ctx, 0)
	if err != nil {
		s.writeDeliveryError(w, r, err)
		return
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		s.writeDeliveryError(w, r, err)
		return
	}
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	n, err := w.Write(buf.Bytes())
	s.observeBytes(action, int64(n))
	if err != nil {
		s.finishStream(ctx, action, err)
	}
}

func (s *Server) deliverChunked(w http.ResponseWriter, r *http.Request, action string, p payload) {
	ctx := r.Context()
	header := w.Header()
	status := http.StatusOK
	var offset int64
	if p.exact {
		header.Set("Accept-Ranges", "bytes")
		if start, ok := parseRangeStart(r.Header.Get("Range")); ok {
			if start >= p.length {
				header.Set("Content-Range", fmt.Sprintf("bytes */%d", p.length))
				writeError(w, http.StatusRequestedRangeNotSatisfiable, "range_not_satisfiable", "range start beyond end of content", getCorrelationID(r))
				return
			}
			offset = start
			status = http.StatusPartialContent
			header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, p.length-1, p.length))
		}
		header.Set("Content-Length", strconv.FormatInt(p.length-offset, 10))
	}

	openAt := offset
	if !p.seekable {
		openAt = 0
	}
	rc, err := p.open(ctx, openAt)
	if err != nil {
		header.Del("Content-Range")
		header.Del("Content-Length")
		s.writeDeliveryError(w, r, err)
		return
	}
	defer rc.Close()

	if !p.seekable && offset > 0 {
		if _, err := io.CopyN(io.Discard, rc, offset); err != nil {
			header.Del("Content-Range")
			header.Del("Content-Length")
			s.writeDeliveryError(w, r, err)
			return
		}
	}

	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, s.cfg.ChunkSize)
	for {
		if ctx.Err() != nil {
			s.finishStream(ctx, action, ctx.Err())
			return
		}
		n, readErr := rc.Read(buf)
		if n > 0 {
			written, err := w.Write(buf[:n])
			s.observeBytes(action, int64(written))
			if err != nil {
				s.finishStream(ctx, action, err)
				return
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			s.finishStream(ctx, action, readErr)
			return
		}
	}
	if flusher != nil {
		flusher.Flush()
	}
}

// finishStream records why a stream ended early. Client aborts are routine.
func (s *Server) finishStream(ctx context.Context, action string, err error) {
	if isClientAbort(ctx, err) {
		s.logger.Info(ctx, "client aborted stream", "action", action)
		if s.metrics != nil {
			s.metrics.ClientAborted(action)
		}
		return
	}
	s.logger.Error(ctx, "stream failed", "action", action, "error", err)
}

func isClientAbort(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, http.ErrHandlerTimeout)
}

func (s *Server) observeBytes(action string, n int64) {
	if s.metrics != nil {
		s.metrics.AddBytes(action, n)
	}
}

// writeDeliveryError answers a delivery that failed before any byte of the
// body was written.
func (s *Server) writeDeliveryError(w http.ResponseWriter, r *http.Request, err error) {
	if isClientAbort(r.Context(), err) {
		s.logger.Info(r.Context(), "client went away before delivery", "path", r.URL.Path)
		return
	}
	s.writeDomainError(w, r, err)
}
