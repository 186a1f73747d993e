// Package rest implements service.Remote against the tasksync REST API.
package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"tasksync/internal/codec"
	"tasksync/internal/service"
	"tasksync/internal/transport"
)

// DefaultPageSize is the pull page size when none is configured.
const DefaultPageSize = 100

// Client wraps the transport client and implements service.Remote.
type Client struct {
	t        *transport.Client
	pageSize int
}

// New creates a Client.
func New(t *transport.Client, pageSize int) *Client {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Client{t: t, pageSize: pageSize}
}

// Pull fetches one page of tasks changed since cursor.
func (c *Client) Pull(ctx context.Context, cursor string) (service.PullPage, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(c.pageSize))
	if cursor != "" {
		q.Set("since", cursor)
	}

	resp, err := c.t.Do(ctx, transport.Request{Method: http.MethodGet, Path: "/v1/tasks", Query: q})
	if err != nil {
		return service.PullPage{}, fmt.Errorf("failed to pull tasks: %w", err)
	}

	page, err := codec.DecodePage(resp.Body)
	if err != nil {
		return service.PullPage{}, service.NewRemoteError("pull", resp.Status, service.ErrPermanent, err)
	}
	return page, nil
}

// Fetch returns the current remote state of one task.
func (c *Client) Fetch(ctx context.Context, task service.Task) (service.RemoteTask, error) {
	resp, err := c.t.Do(ctx, transport.Request{Method: http.MethodGet, Path: taskPath(task)})
	if err != nil {
		return service.RemoteTask{}, fmt.Errorf("failed to fetch task: %w", err)
	}
	return decodeTask("fetch", resp)
}

// Push applies one mutation and returns the canonical task.
func (c *Client) Push(ctx context.Context, req service.PushRequest) (service.RemoteTask, error) {
	var r transport.Request
	switch req.Kind {
	case service.MutationCreate:
		body, err := codec.Encode(req.Task)
		if err != nil {
			return service.RemoteTask{}, service.NewRemoteError("push", 0, service.ErrPermanent, err)
		}
		r = transport.Request{Method: http.MethodPost, Path: "/v1/tasks", Body: body}
	case service.MutationUpdate:
		body, err := codec.Encode(req.Task)
		if err != nil {
			return service.RemoteTask{}, service.NewRemoteError("push", 0, service.ErrPermanent, err)
		}
		r = transport.Request{Method: http.MethodPut, Path: taskPath(req.Task), Body: body, IfMatch: req.BaseRevision}
	case service.MutationDelete:
		r = transport.Request{Method: http.MethodDelete, Path: taskPath(req.Task), IfMatch: req.BaseRevision}
	default:
		return service.RemoteTask{}, fmt.Errorf("unknown mutation kind: %s", req.Kind)
	}
	r.IdempotencyKey = req.IdempotencyKey

	resp, err := c.t.Do(ctx, r)
	if err != nil {
		return service.RemoteTask{}, fmt.Errorf("failed to push %s: %w", req.Kind, err)
	}
	if len(resp.Body) == 0 {
		return service.RemoteTask{}, nil
	}
	return decodeTask("push", resp)
}

func decodeTask(op string, resp *transport.Response) (service.RemoteTask, error) {
	rt, err := codec.DecodeRemote(resp.Body)
	if err != nil {
		return service.RemoteTask{}, service.NewRemoteError(op, resp.Status, service.ErrPermanent, err)
	}
	return rt, nil
}

func taskPath(t service.Task) string {
	id := t.RemoteID
	if id == "" {
		id = t.ID
	}
	return "/v1/tasks/" + url.PathEscape(id)
}
