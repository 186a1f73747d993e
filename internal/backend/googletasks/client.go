// Package googletasks implements the service.Remote interface using Google Tasks API.
//
// One Google task list is synced. The task's ETag is the revision token and
// is sent as If-Match on writes. Google has no priority or checklist field,
// so those stay local.
package googletasks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	tasks "google.golang.org/api/tasks/v1"

	"tasksync/internal/config"
	"tasksync/internal/service"
)

const (
	// DefaultListID is the special ID for the default list.
	DefaultListID = "@default"

	// PageSize is the number of tasks per page.
	PageSize = 100

	// APITimeout is the timeout for API calls.
	APITimeout = 15 * time.Second

	// OAuth scope for Google Tasks
	tasksScope = "https://www.googleapis.com/auth/tasks"

	statusCompleted   = "completed"
	statusNeedsAction = "needsAction"
)

// remoteFields are the task fields Google stores.
const remoteFields = service.FieldRemoteID | service.FieldTitle | service.FieldNotes |
	service.FieldCompleted | service.FieldDue | service.FieldCompletedAt |
	service.FieldUpdatedAt | service.FieldDeleted | service.FieldRevision

// Client implements service.Remote using Google Tasks API.
type Client struct {
	svc     *tasks.Service
	listID  string
	timeout time.Duration
	logger  zerolog.Logger
}

// OAuthConfig loads the OAuth client configuration.
func OAuthConfig(cfg *config.Config) (*oauth2.Config, error) {
	clientJSON, err := os.ReadFile(cfg.OAuthClientPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read oauth_client.json: %w", err)
	}

	oauthConfig, err := google.ConfigFromJSON(clientJSON, tasksScope)
	if err != nil {
		return nil, fmt.Errorf("invalid oauth_client.json: %w", err)
	}
	return oauthConfig, nil
}

// New creates a new Google Tasks client.
// Requires oauth_client.json and token.json to exist.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Client, error) {
	oauthConfig, err := OAuthConfig(cfg)
	if err != nil {
		return nil, err
	}

	token, err := LoadToken(cfg.TokenPath())
	if err != nil {
		return nil, err
	}

	// Create token source that auto-refreshes
	tokenSource := oauthConfig.TokenSource(ctx, token)

	// Create HTTP client with token source
	httpClient := oauth2.NewClient(ctx, tokenSource)

	svc, err := tasks.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks service: %w", err)
	}

	c := newClient(svc, cfg.Settings.TaskList, logger)
	if cfg.Settings.Transport.Timeout > 0 {
		c.timeout = cfg.Settings.Transport.Timeout
	}
	return c, nil
}

// NewWithHTTPClient creates a client with a custom HTTP client (for testing).
func NewWithHTTPClient(ctx context.Context, httpClient *http.Client, listID string, opts ...option.ClientOption) (*Client, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
	svc, err := tasks.NewService(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return newClient(svc, listID, zerolog.Nop()), nil
}

func newClient(svc *tasks.Service, listID string, logger zerolog.Logger) *Client {
	if listID == "" {
		listID = DefaultListID
	}
	return &Client{svc: svc, listID: listID, timeout: APITimeout, logger: logger}
}

// Pull returns one Google page of tasks updated at or after the cursor's
// lower bound. Mid-listing the cursor also carries the next page token; on
// the last page it becomes the newest update time seen.
func (c *Client) Pull(ctx context.Context, cursor string) (service.PullPage, error) {
	pos := parseCursor(cursor)

	resp, err := c.listPage(ctx, pos)
	if err != nil && pos.pageToken != "" && isBadRequest(err) {
		// Page tokens expire; start the listing over from its lower bound.
		c.logger.Warn().Err(err).Str("since", pos.since).Msg("page token rejected, restarting listing")
		pos.pageToken = ""
		resp, err = c.listPage(ctx, pos)
	}
	if err != nil {
		return service.PullPage{}, wrapError("pull", err)
	}

	var page service.PullPage
	for _, item := range resp.Items {
		// Google subtasks are separate tasks with a parent; they are
		// not mapped onto local checklists.
		if item.Parent != "" {
			c.logger.Debug().Str("remote_id", item.Id).Msg("skipping google subtask")
			continue
		}
		rt, err := fromGoogle(item)
		if err != nil {
			return service.PullPage{}, wrapError("pull", err)
		}
		page.Tasks = append(page.Tasks, rt)
		if rt.Task.UpdatedAt.After(pos.newest) {
			pos.newest = rt.Task.UpdatedAt
		}
	}

	pos.pageToken = resp.NextPageToken
	page.HasMore = pos.pageToken != ""
	page.NextCursor = pos.String()
	return page, nil
}

func (c *Client) listPage(ctx context.Context, pos pullCursor) (*tasks.Tasks, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	call := c.svc.Tasks.List(c.listID).
		MaxResults(PageSize).
		ShowCompleted(true).
		ShowDeleted(true).
		ShowHidden(true)
	if pos.since != "" {
		call = call.UpdatedMin(pos.since)
	}
	if pos.pageToken != "" {
		call = call.PageToken(pos.pageToken)
	}
	return call.Context(ctx).Do()
}

func isBadRequest(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusBadRequest
}

// Fetch returns the current Google state of one task.
func (c *Client) Fetch(ctx context.Context, task service.Task) (service.RemoteTask, error) {
	if task.RemoteID == "" {
		return service.RemoteTask{}, service.NewRemoteError("fetch", http.StatusNotFound, service.ErrPermanent, service.ErrNotFound)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	item, err := c.svc.Tasks.Get(c.listID, task.RemoteID).Context(ctx).Do()
	if err != nil {
		return service.RemoteTask{}, wrapError("fetch", err)
	}
	if item.Deleted {
		return service.RemoteTask{}, service.NewRemoteError("fetch", http.StatusNotFound, service.ErrPermanent, service.ErrNotFound)
	}
	return fromGoogle(item)
}

// Push applies one mutation. Google has no idempotency keys, so a create
// retried after a lost reply may duplicate the task remotely.
func (c *Client) Push(ctx context.Context, req service.PushRequest) (service.RemoteTask, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	switch req.Kind {
	case service.MutationCreate:
		item, err := c.svc.Tasks.Insert(c.listID, toGoogle(req.Task)).Context(ctx).Do()
		if err != nil {
			return service.RemoteTask{}, wrapError("insert", err)
		}
		return fromGoogle(item)

	case service.MutationUpdate:
		call := c.svc.Tasks.Update(c.listID, req.Task.RemoteID, toGoogle(req.Task)).Context(ctx)
		if req.BaseRevision != "" {
			call.Header().Set("If-Match", req.BaseRevision)
		}
		item, err := call.Do()
		if err != nil {
			return service.RemoteTask{}, wrapError("update", err)
		}
		return fromGoogle(item)

	case service.MutationDelete:
		call := c.svc.Tasks.Delete(c.listID, req.Task.RemoteID).Context(ctx)
		if req.BaseRevision != "" {
			call.Header().Set("If-Match", req.BaseRevision)
		}
		if err := call.Do(); err != nil {
			return service.RemoteTask{}, wrapError("delete", err)
		}
		return service.RemoteTask{}, nil

	default:
		return service.RemoteTask{}, fmt.Errorf("unknown mutation kind: %s", req.Kind)
	}
}

func fromGoogle(item *tasks.Task) (service.RemoteTask, error) {
	t := service.Task{
		RemoteID:       item.Id,
		Title:          item.Title,
		Notes:          item.Notes,
		Completed:      item.Status == statusCompleted,
		Deleted:        item.Deleted,
		RemoteRevision: item.Etag,
	}

	var err error
	if t.Due, err = parseOptionalTime(item.Due); err != nil {
		return service.RemoteTask{}, invalidItem(item, "due", err)
	}
	if item.Completed != nil {
		if t.CompletedAt, err = parseOptionalTime(*item.Completed); err != nil {
			return service.RemoteTask{}, invalidItem(item, "completed", err)
		}
	}
	if item.Updated != "" {
		if t.UpdatedAt, err = time.Parse(time.RFC3339, item.Updated); err != nil {
			return service.RemoteTask{}, invalidItem(item, "updated", err)
		}
		t.UpdatedAt = t.UpdatedAt.UTC()
	}
	return service.RemoteTask{Task: t, Present: remoteFields}, nil
}

func toGoogle(t service.Task) *tasks.Task {
	item := &tasks.Task{
		Id:     t.RemoteID,
		Title:  t.Title,
		Notes:  t.Notes,
		Status: statusNeedsAction,
	}
	if t.Completed {
		item.Status = statusCompleted
		if t.CompletedAt != nil {
			at := t.CompletedAt.UTC().Format(time.RFC3339)
			item.Completed = &at
		}
	} else {
		item.NullFields = append(item.NullFields, "Completed")
	}
	if t.Due != nil {
		item.Due = t.Due.UTC().Format(time.RFC3339)
	} else {
		item.NullFields = append(item.NullFields, "Due")
	}
	if t.Notes == "" {
		item.ForceSendFields = append(item.ForceSendFields, "Notes")
	}
	return item
}

func parseOptionalTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	v, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	v = v.UTC()
	return &v, nil
}

// pullCursor is a position in the Google listing. Between listings it is
// the newest update time seen. Mid-listing it is "since|newest|pageToken".
type pullCursor struct {
	since     string
	newest    time.Time
	pageToken string
}

const cursorSep = "|"

func parseCursor(cursor string) pullCursor {
	parts := strings.SplitN(cursor, cursorSep, 3)
	if len(parts) == 3 {
		return pullCursor{since: parts[0], newest: parseTime(parts[1]), pageToken: parts[2]}
	}
	return pullCursor{since: cursor, newest: parseTime(cursor)}
}

func (p pullCursor) String() string {
	var newest string
	if !p.newest.IsZero() {
		newest = p.newest.UTC().Format(time.RFC3339Nano)
	}
	if p.pageToken != "" {
		return strings.Join([]string{p.since, newest, p.pageToken}, cursorSep)
	}
	if newest == "" {
		return p.since
	}
	return newest
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func invalidItem(item *tasks.Task, field string, err error) error {
	return service.NewRemoteError("decode", 0, service.ErrPermanent,
		fmt.Errorf("task %s: invalid %s: %w", item.Id, field, err))
}

// wrapError classifies API errors.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return service.NewRemoteError(op, 0, service.ErrPermanent,
			fmt.Errorf("token expired or revoked (run: tasksync login): %w", err))
	}

	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		// Timeouts, refused connections and token refresh failures.
		return service.NewRemoteError(op, 0, service.ErrTransient, err)
	}

	switch code := apiErr.Code; {
	case code == http.StatusNotFound:
		return service.NewRemoteError(op, code, service.ErrPermanent, service.ErrNotFound)
	case code == http.StatusPreconditionFailed, code == http.StatusConflict:
		return service.NewRemoteError(op, code, service.ErrConflict, err)
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return service.NewRemoteError(op, code, service.ErrPermanent,
			fmt.Errorf("token expired or revoked (run: tasksync login): %w", err))
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return service.NewRemoteError(op, code, service.ErrTransient, err)
	default:
		return service.NewRemoteError(op, code, service.ErrPermanent, err)
	}
}
