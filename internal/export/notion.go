package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/amanullahtanweer/mtranscribe/internal/transcript"
	"github.com/rs/zerolog"
)

const DefaultNotionVersion = "2022-06-28"

// APIError is a non-2xx response from the Notion API.
type APIError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("notion: status %d", e.Status)
	}
	return fmt.Sprintf("notion: %s (%d): %s", e.Code, e.Status, e.Message)
}

// NotionClient talks to the Notion API directly or through the backend proxy,
// which injects the workspace token itself.
type NotionClient struct {
	baseURL string
	token   string
	version string
	client  *http.Client
	log     zerolog.Logger
}

func NewNotionClient(baseURL, token, version string, client *http.Client, log zerolog.Logger) *NotionClient {
	if version == "" {
		version = DefaultNotionVersion
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &NotionClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		version: version,
		client:  client,
		log:     log,
	}
}

func (c *NotionClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Notion-Version", c.version)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("notion %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		apiErr.Status = resp.StatusCode
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode notion response: %w", err)
	}
	return nil
}

// Parent locates an object in the workspace tree.
type Parent struct {
	Type         string `json:"type"`
	PageID       string `json:"page_id,omitempty"`
	DatabaseID   string `json:"database_id,omitempty"`
	DataSourceID string `json:"data_source_id,omitempty"`
	Workspace    bool   `json:"workspace,omitempty"`
}

func (p Parent) ID() string {
	switch p.Type {
	case "page_id":
		return p.PageID
	case "database_id":
		return p.DatabaseID
	case "data_source_id":
		return p.DataSourceID
	}
	return ""
}

type Property struct {
	Type  string     `json:"type"`
	Title []RichText `json:"title,omitempty"`
}

// Object is a page, database or data source as returned by search and
// retrieve calls.
type Object struct {
	Object     string              `json:"object"`
	ID         string              `json:"id"`
	URL        string              `json:"url,omitempty"`
	Parent     *Parent             `json:"parent,omitempty"`
	Properties map[string]Property `json:"properties,omitempty"`
	Title      []RichText          `json:"title,omitempty"`
}

// DisplayTitle is the plain-text title, or an "Untitled" placeholder.
func (o Object) DisplayTitle() string {
	switch o.Object {
	case "page":
		for _, prop := range o.Properties {
			if prop.Type == "title" {
				if len(prop.Title) > 0 && prop.Title[0].PlainText != "" {
					return prop.Title[0].PlainText
				}
				return "Untitled"
			}
		}
		return "Untitled"
	case "database":
		if len(o.Title) > 0 && o.Title[0].PlainText != "" {
			return o.Title[0].PlainText
		}
		return "Untitled Database"
	case "data_source":
		if len(o.Title) > 0 && o.Title[0].PlainText != "" {
			return o.Title[0].PlainText
		}
		return "Untitled Data Source"
	}
	return "Untitled"
}

type searchRequest struct {
	Query       string      `json:"query,omitempty"`
	Sort        *searchSort `json:"sort,omitempty"`
	StartCursor string      `json:"start_cursor,omitempty"`
	PageSize    int         `json:"page_size,omitempty"`
}

type searchSort struct {
	Direction string `json:"direction"`
	Timestamp string `json:"timestamp"`
}

type searchResponse struct {
	Results    []Object `json:"results"`
	HasMore    bool     `json:"has_more"`
	NextCursor string   `json:"next_cursor"`
}

// Search returns the first page of results for query, most recently edited
// first.
func (c *NotionClient) Search(ctx context.Context, query string) ([]Object, error) {
	var resp searchResponse
	req := searchRequest{
		Query: query,
		Sort:  &searchSort{Direction: "descending", Timestamp: "last_edited_time"},
	}
	if err := c.do(ctx, http.MethodPost, "/v1/search", req, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// SearchAll follows search cursors until the API reports no more pages.
func (c *NotionClient) SearchAll(ctx context.Context) ([]Object, error) {
	var results []Object
	cursor := ""

	for {
		var resp searchResponse
		req := searchRequest{PageSize: 100, StartCursor: cursor}
		if err := c.do(ctx, http.MethodPost, "/v1/search", req, &resp); err != nil {
			return nil, err
		}
		results = append(results, resp.Results...)

		if !resp.HasMore || resp.NextCursor == "" {
			return results, nil
		}
		cursor = resp.NextCursor
	}
}

func (c *NotionClient) RetrieveDatabase(ctx context.Context, id string) (Object, error) {
	var db Object
	err := c.do(ctx, http.MethodGet, "/v1/databases/"+url.PathEscape(id), nil, &db)
	return db, err
}

// HierarchyNode is one page, database or data source with its children.
type HierarchyNode struct {
	ID       string
	Title    string
	Type     string
	Children []*HierarchyNode
	Data     Object
}

// Hierarchy builds the tree of accessible pages and databases. Search does not
// return databases, so those referenced as parents are retrieved one by one;
// a database that cannot be retrieved is skipped and its children are placed
// at the root.
func (c *NotionClient) Hierarchy(ctx context.Context) ([]*HierarchyNode, error) {
	results, err := c.SearchAll(ctx)
	if err != nil {
		return nil, err
	}

	var items []Object
	seen := make(map[string]bool)
	for _, item := range results {
		if item.Parent == nil {
			continue
		}
		switch item.Object {
		case "page", "database", "data_source":
			items = append(items, item)
			seen[item.ID] = true
		}
	}

	var databaseIDs []string
	for _, item := range items {
		if item.Parent.Type == "database_id" && item.Parent.DatabaseID != "" && !seen[item.Parent.DatabaseID] {
			databaseIDs = append(databaseIDs, item.Parent.DatabaseID)
			seen[item.Parent.DatabaseID] = true
		}
	}

	for _, id := range databaseIDs {
		db, err := c.RetrieveDatabase(ctx, id)
		if err != nil {
			c.log.Debug().Err(err).Str("database", id).Msg("Failed to retrieve database")
			continue
		}
		if db.Object == "database" {
			items = append(items, db)
		}
	}

	nodes := make(map[string]*HierarchyNode, len(items))
	for _, item := range items {
		nodes[item.ID] = &HierarchyNode{
			ID:    item.ID,
			Title: item.DisplayTitle(),
			Type:  item.Object,
			Data:  item,
		}
	}

	var roots []*HierarchyNode
	for _, item := range items {
		node := nodes[item.ID]
		var parentID string
		if item.Parent != nil {
			parentID = item.Parent.ID()
		}
		if parent, ok := nodes[parentID]; ok && parentID != "" && parent != node {
			parent.Children = append(parent.Children, node)
		} else {
			roots = append(roots, node)
		}
	}

	return roots, nil
}

type appendRequest struct {
	Children []Block `json:"children"`
}

// AppendBlocks adds blocks under blockID, one request per DefaultChunkSize
// blocks.
func (c *NotionClient) AppendBlocks(ctx context.Context, blockID string, blocks []Block) error {
	path := "/v1/blocks/" + url.PathEscape(blockID) + "/children"
	for i, chunk := range ChunkBlocks(blocks, DefaultChunkSize) {
		if err := c.do(ctx, http.MethodPatch, path, appendRequest{Children: chunk}, nil); err != nil {
			return fmt.Errorf("failed to append chunk %d: %w", i, err)
		}
	}
	return nil
}

type createPageRequest struct {
	Parent     Parent                   `json:"parent"`
	Properties map[string]titleProperty `json:"properties"`
	Children   []Block                  `json:"children,omitempty"`
}

type titleProperty struct {
	Title []RichText `json:"title"`
}

// CreatePage creates a page under parentPageID. The first DefaultChunkSize
// blocks go with the create request and the rest are appended.
func (c *NotionClient) CreatePage(ctx context.Context, parentPageID, title string, blocks []Block) (Object, error) {
	first := blocks
	var rest []Block
	if len(blocks) > DefaultChunkSize {
		first, rest = blocks[:DefaultChunkSize], blocks[DefaultChunkSize:]
	}

	req := createPageRequest{
		Parent: Parent{Type: "page_id", PageID: parentPageID},
		Properties: map[string]titleProperty{
			"title": {Title: textSegments(title)},
		},
		Children: first,
	}

	var page Object
	if err := c.do(ctx, http.MethodPost, "/v1/pages", req, &page); err != nil {
		return Object{}, fmt.Errorf("failed to create page: %w", err)
	}

	if len(rest) > 0 {
		if err := c.AppendBlocks(ctx, page.ID, rest); err != nil {
			return page, err
		}
	}

	c.log.Info().Str("page", page.ID).Int("blocks", len(blocks)).Msg("Transcript exported to Notion")
	return page, nil
}

// ExportTranscript writes snap as a new page under parentPageID.
func (c *NotionClient) ExportTranscript(ctx context.Context, parentPageID string, snap transcript.Snapshot) (Object, error) {
	title := snap.Title
	if title == "" {
		title = "Untitled Transcript"
	}
	return c.CreatePage(ctx, parentPageID, title, TranscriptToBlocks(snap))
}
