package relaydocs

import (
	"context"
	"net/http"
	"net/url"
)

// ProjectClient reads project folders from the external project service.
type ProjectClient struct {
	svc *serviceClient
}

func NewProjectClient(opts ServiceClientOptions) *ProjectClient {
	return &ProjectClient{svc: newServiceClient("projects", opts)}
}

func (c *ProjectClient) LastModified(ctx context.Context) (string, error) {
	var out struct {
		LastModified string `json:"lastModified"`
	}
	if err := c.svc.doJSON(ctx, http.MethodGet, "/projects/lastmodified", nil, &out); err != nil {
		return "", err
	}
	return out.LastModified, nil
}

func (c *ProjectClient) ProjectsFor(ctx context.Context, userID string) ([]Project, error) {
	var out []Project
	path := "/projects?userId=" + url.QueryEscape(userID)
	if err := c.svc.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
