package relaydocs

import (
	"bytes"
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Links builds the absolute file handler URLs handed to external services.
type Links struct {
	PublicURL   string
	HandlerPath string
	Keys        *SignedKeys
	Content     ContentStore
}

func (l *Links) handler(action string, params url.Values) string {
	base := strings.TrimRight(l.PublicURL, "/")
	path := l.HandlerPath
	if path == "" {
		path = "/files/handler"
	}
	params.Set("action", action)
	return base + path + "?" + params.Encode()
}

// StreamURL is a signed link to the bytes of one file version.
func (l *Links) StreamURL(file File) string {
	params := url.Values{}
	params.Set("fileid", file.ID)
	params.Set("version", strconv.Itoa(file.Version))
	params.Set("stream_auth", l.Keys.Generate(StreamKeyValue(file.ID, file.Version)))
	return l.handler("stream", params)
}

// DiffURL is a signed link to the changes archive stored with a version.
func (l *Links) DiffURL(file File) string {
	params := url.Values{}
	params.Set("fileid", file.ID)
	params.Set("version", strconv.Itoa(file.Version))
	params.Set("stream_auth", l.Keys.Generate(StreamKeyValue(file.ID, file.Version)))
	return l.handler("diff", params)
}

// TrackURL is the callback the external editor reports save events to.
func (l *Links) TrackURL(fileID string) string {
	params := url.Values{}
	params.Set("fileid", fileID)
	params.Set("stream_auth", l.Keys.Generate(fileID))
	return l.handler("track", params)
}

// TempURL stores data as a temporary stream and returns a signed link to it.
func (l *Links) TempURL(ctx context.Context, data []byte, ext string) (string, error) {
	name := uuid.NewString() + ext
	if _, err := l.Content.Put(ctx, TempStreamKey(name), bytes.NewReader(data)); err != nil {
		return "", err
	}
	params := url.Values{}
	params.Set("filename", name)
	params.Set("auth", l.Keys.Generate(name))
	return l.handler("tmp", params), nil
}
