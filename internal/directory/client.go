// Package directory talks to the external organization directory. The
// workflow engine only ever asks three questions: who manages an
// organization, who is the Nth-level manager above a user, and what a user's
// display profile looks like.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

var (
	// ErrNotFound means the directory answered but has no such entity
	// (unknown org or user, or a reporting chain shorter than requested).
	ErrNotFound = errors.New("directory: not found")
	// ErrUnavailable means the directory could not be reached in time.
	ErrUnavailable = errors.New("directory: unavailable")
)

type Profile struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type Directory interface {
	OrganizationManagers(ctx context.Context, orgID string) ([]string, error)
	NthLevelManager(ctx context.Context, userID string, level int) (string, error)
	UserProfile(ctx context.Context, userID string) (Profile, error)
}

// Client is the HTTP implementation. Every call is bounded by the configured
// timeout; a slow directory fails fast rather than holding up document
// creation.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) OrganizationManagers(ctx context.Context, orgID string) ([]string, error) {
	var payload struct {
		Managers []string `json:"managers"`
	}
	path := "/orgs/" + url.PathEscape(orgID) + "/managers"
	if err := c.get(ctx, path, &payload); err != nil {
		return nil, err
	}
	if payload.Managers == nil {
		return []string{}, nil
	}
	return payload.Managers, nil
}

func (c *Client) NthLevelManager(ctx context.Context, userID string, level int) (string, error) {
	var payload struct {
		UserID string `json:"userId"`
	}
	path := "/users/" + url.PathEscape(userID) + "/managers/" + strconv.Itoa(level)
	if err := c.get(ctx, path, &payload); err != nil {
		return "", err
	}
	if payload.UserID == "" {
		return "", ErrNotFound
	}
	return payload.UserID, nil
}

func (c *Client) UserProfile(ctx context.Context, userID string) (Profile, error) {
	var profile Profile
	if err := c.get(ctx, "/users/"+url.PathEscape(userID), &profile); err != nil {
		return Profile{}, err
	}
	return profile, nil
}

func (c *Client) get(ctx context.Context, path string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("directory request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	return nil
}
