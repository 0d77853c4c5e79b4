package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBaseURL     = "https://www.googleapis.com/drive/v3"
	defaultUploadURL   = "https://www.googleapis.com/upload/drive/v3"
	defaultHTTPTimeout = 30 * time.Second

	folderMIMEType = "application/vnd.google-apps.folder"
	fileMIMEType   = "text/plain"
)

// ClientConfig configures the Drive REST client.
type ClientConfig struct {
	BaseURL    string
	UploadURL  string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to the Google Drive v3 files API.
type Client struct {
	baseURL    string
	uploadURL  string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient constructs a Drive client with sane defaults.
func NewClient(cfg ClientConfig) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	uploadURL := strings.TrimRight(cfg.UploadURL, "/")
	if uploadURL == "" {
		uploadURL = defaultUploadURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		uploadURL:  uploadURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

type fileResource struct {
	ID       string   `json:"id,omitempty"`
	Name     string   `json:"name,omitempty"`
	MIMEType string   `json:"mimeType,omitempty"`
	Parents  []string `json:"parents,omitempty"`
}

type fileListResponse struct {
	Files []fileResource `json:"files"`
}

// EnsureFolder finds the named folder under parentID, creating it if absent.
func (c *Client) EnsureFolder(ctx context.Context, credential Credential, name, parentID string) (string, error) {
	query := fmt.Sprintf("mimeType='%s' and name='%s' and trashed=false", folderMIMEType, escapeQueryValue(name))
	if parentID != "" {
		query = fmt.Sprintf("'%s' in parents and %s", parentID, query)
	}
	listed, err := c.listFiles(ctx, credential, query)
	if err != nil {
		return "", err
	}
	if len(listed) > 0 {
		return listed[0].ID, nil
	}

	resource := fileResource{Name: name, MIMEType: folderMIMEType}
	if parentID != "" {
		resource.Parents = []string{parentID}
	}
	body, err := json.Marshal(resource)
	if err != nil {
		return "", err
	}
	var created fileResource
	if err := c.doJSON(ctx, credential, http.MethodPost, c.baseURL+"/files", "application/json", bytes.NewReader(body), &created); err != nil {
		return "", err
	}
	c.logger.Debug("drive folder created", zap.String("name", name), zap.String("folder_id", created.ID))
	return created.ID, nil
}

// ListFolderChildren lists the folder's direct, untrashed children.
func (c *Client) ListFolderChildren(ctx context.Context, credential Credential, folderID string, filter ChildFilter) ([]File, error) {
	query := fmt.Sprintf("'%s' in parents and trashed=false", folderID)
	if filter.FoldersOnly {
		query = fmt.Sprintf("%s and mimeType='%s'", query, folderMIMEType)
	}
	if len(filter.Names) > 0 {
		clauses := make([]string, 0, len(filter.Names))
		for _, name := range filter.Names {
			clauses = append(clauses, fmt.Sprintf("name='%s'", escapeQueryValue(name)))
		}
		query = fmt.Sprintf("%s and (%s)", query, strings.Join(clauses, " or "))
	}
	listed, err := c.listFiles(ctx, credential, query)
	if err != nil {
		return nil, err
	}
	files := make([]File, 0, len(listed))
	for _, resource := range listed {
		files = append(files, File{ID: resource.ID, Name: resource.Name})
	}
	return files, nil
}

// ReadFile downloads a file's content.
func (c *Client) ReadFile(ctx context.Context, credential Credential, fileID string) (string, error) {
	endpoint := fmt.Sprintf("%s/files/%s?alt=media", c.baseURL, url.PathEscape(fileID))
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	request.Header.Set("Authorization", "Bearer "+credential.AccessToken)
	response, err := c.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return "", remoteError(response)
	}
	content, err := io.ReadAll(response.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	return string(content), nil
}

// WriteFile upserts the named file inside the folder: if a child with the
// filename exists its content is replaced, otherwise the file is created.
func (c *Client) WriteFile(ctx context.Context, credential Credential, folderID, filename, text string) (string, error) {
	children, err := c.ListFolderChildren(ctx, credential, folderID, ChildFilter{Names: []string{filename}})
	if err != nil {
		return "", err
	}
	if len(children) > 0 {
		fileID := children[0].ID
		endpoint := fmt.Sprintf("%s/files/%s?uploadType=media", c.uploadURL, url.PathEscape(fileID))
		var updated fileResource
		if err := c.doJSON(ctx, credential, http.MethodPatch, endpoint, fileMIMEType, strings.NewReader(text), &updated); err != nil {
			return "", err
		}
		if updated.ID != "" {
			return updated.ID, nil
		}
		return fileID, nil
	}

	metadata, err := json.Marshal(fileResource{
		Name:     filename,
		MIMEType: fileMIMEType,
		Parents:  []string{folderID},
	})
	if err != nil {
		return "", err
	}
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	metadataHeader := make(map[string][]string)
	metadataHeader["Content-Type"] = []string{"application/json; charset=UTF-8"}
	metadataPart, err := writer.CreatePart(metadataHeader)
	if err != nil {
		return "", err
	}
	if _, err := metadataPart.Write(metadata); err != nil {
		return "", err
	}
	contentHeader := make(map[string][]string)
	contentHeader["Content-Type"] = []string{fileMIMEType}
	contentPart, err := writer.CreatePart(contentHeader)
	if err != nil {
		return "", err
	}
	if _, err := contentPart.Write([]byte(text)); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	endpoint := c.uploadURL + "/files?uploadType=multipart"
	contentType := "multipart/related; boundary=" + writer.Boundary()
	var created fileResource
	if err := c.doJSON(ctx, credential, http.MethodPost, endpoint, contentType, &body, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

func (c *Client) listFiles(ctx context.Context, credential Credential, query string) ([]fileResource, error) {
	values := url.Values{}
	values.Set("q", query)
	values.Set("fields", "files(id,name)")
	endpoint := c.baseURL + "/files?" + values.Encode()
	var listed fileListResponse
	if err := c.doJSON(ctx, credential, http.MethodGet, endpoint, "", nil, &listed); err != nil {
		return nil, err
	}
	return listed.Files, nil
}

func (c *Client) doJSON(ctx context.Context, credential Credential, method, endpoint, contentType string, body io.Reader, out any) error {
	request, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	request.Header.Set("Authorization", "Bearer "+credential.AccessToken)
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return remoteError(response)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	return nil
}

func remoteError(response *http.Response) error {
	payload, _ := io.ReadAll(io.LimitReader(response.Body, 512))
	return fmt.Errorf("%w: status %d: %s", ErrRemoteUnavailable, response.StatusCode, strings.TrimSpace(string(payload)))
}

func escapeQueryValue(value string) string {
	return strings.ReplaceAll(value, "'", `\'`)
}
