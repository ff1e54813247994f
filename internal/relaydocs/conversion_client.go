package relaydocs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// StreamLinker produces a URL from which an external service can fetch the
// bytes of a file version.
type StreamLinker interface {
	StreamURL(file File) string
}

type conversionRequest struct {
	URL        string `json:"url"`
	FileType   string `json:"filetype"`
	OutputType string `json:"outputtype"`
	Key        string `json:"key"`
	Async      bool   `json:"async"`
}

type conversionResponse struct {
	FileURL    string `json:"fileUrl"`
	EndConvert bool   `json:"endConvert"`
	Percent    int    `json:"percent"`
	Error      int    `json:"error"`
}

// ConversionClient calls the document conversion service.
type ConversionClient struct {
	svc        *serviceClient
	links      StreamLinker
	downloader Downloader
}

func NewConversionClient(opts ServiceClientOptions, links StreamLinker, downloader Downloader) *ConversionClient {
	if downloader == nil {
		downloader = HTTPDownloader{Client: opts.HTTPClient}
	}
	return &ConversionClient{
		svc:        newServiceClient("conversion", opts),
		links:      links,
		downloader: downloader,
	}
}

func (c *ConversionClient) EnableConvert(file File, toExt string) bool {
	if file.Error != "" {
		return false
	}
	return Convertible(file.Extension(), toExt)
}

func (c *ConversionClient) GetConvertedURI(ctx context.Context, sourceURI, fromExt, toExt, key string) (string, error) {
	var out conversionResponse
	err := c.svc.doJSON(ctx, http.MethodPost, "/converter", conversionRequest{
		URL:        sourceURI,
		FileType:   strings.TrimPrefix(fromExt, "."),
		OutputType: strings.TrimPrefix(toExt, "."),
		Key:        key,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.Error != 0 {
		return "", &UpstreamError{Service: "conversion", Message: fmt.Sprintf("error code %d", out.Error)}
	}
	if !out.EndConvert || out.FileURL == "" {
		return "", &UpstreamError{Service: "conversion", Message: fmt.Sprintf("conversion incomplete (%d%%)", out.Percent)}
	}
	return out.FileURL, nil
}

func (c *ConversionClient) Exec(ctx context.Context, file File, toExt string) (io.ReadCloser, error) {
	if !c.EnableConvert(file, toExt) {
		return nil, fmt.Errorf("%w: cannot convert %s to %s", ErrBadRequest, file.Extension(), toExt)
	}
	if c.links == nil {
		return nil, &UpstreamError{Service: "conversion", Message: "no stream linker configured"}
	}
	key := fmt.Sprintf("%s_%d", file.ID, file.Version)
	uri, err := c.GetConvertedURI(ctx, c.links.StreamURL(file), file.Extension(), toExt, key)
	if err != nil {
		return nil, err
	}
	return c.downloader.Download(ctx, uri)
}
