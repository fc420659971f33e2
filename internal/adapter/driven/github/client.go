// Package github implements the CandidateSource port using the go-github library.
package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gh "github.com/google/go-github/v82/github"
	"github.com/gregjones/httpcache"

	"github.com/gofri/go-github-ratelimit/v2/github_ratelimit"

	"github.com/openomy/issue-analysis/internal/domain/model"
	"github.com/openomy/issue-analysis/internal/domain/port/driven"
)

// maxPerPage is the largest page size the GitHub REST API accepts.
const maxPerPage = 100

// Compile-time interface satisfaction check.
var _ driven.CandidateSource = (*Client)(nil)

// Client lists the issues and pull requests of a repository straight from
// the GitHub REST API. The page token is the GitHub page number.
type Client struct {
	gh *gh.Client
}

// NewClient creates a new GitHub API client with the following transport stack:
//  1. httpcache (ETag-based conditional request caching)
//  2. go-github-ratelimit (secondary rate limit middleware, sleeps on 429)
//  3. go-github (GitHub REST API client with PAT auth)
//
// An empty token yields an unauthenticated client with the lower public rate limit.
func NewClient(token string) *Client {
	cacheTransport := httpcache.NewMemoryCacheTransport()
	rateLimitClient := github_ratelimit.NewClient(cacheTransport)
	client := gh.NewClient(rateLimitClient)
	if token != "" {
		client = client.WithAuthToken(token)
	}

	return &Client{gh: client}
}

// NewClientWithHTTPClient creates a Client with a custom http.Client and base URL.
// This constructor is intended for testing, allowing injection of an httptest server.
func NewClientWithHTTPClient(httpClient *http.Client, baseURL, token string) (*Client, error) {
	client := gh.NewClient(httpClient)
	if token != "" {
		client = client.WithAuthToken(token)
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	client.BaseURL = u

	return &Client{gh: client}, nil
}

// ListCandidates returns one page of issues and pull requests of the
// repository runKey, oldest first. Both open and closed items are listed.
func (c *Client) ListCandidates(ctx context.Context, runKey, pageToken string, pageSize int) ([]model.WorkItem, string, error) {
	owner, repo, err := splitRepo(runKey)
	if err != nil {
		return nil, "", err
	}

	page := 1
	if pageToken != "" {
		page, err = strconv.Atoi(pageToken)
		if err != nil || page < 1 {
			return nil, "", fmt.Errorf("invalid page token %q", pageToken)
		}
	}

	if pageSize <= 0 || pageSize > maxPerPage {
		pageSize = maxPerPage
	}

	opts := &gh.IssueListByRepoOptions{
		State:     "all",
		Sort:      "created",
		Direction: "asc",
		ListOptions: gh.ListOptions{
			Page:    page,
			PerPage: pageSize,
		},
	}

	issues, resp, err := c.gh.Issues.ListByRepo(ctx, owner, repo, opts)
	if err != nil {
		return nil, "", fmt.Errorf("listing issues for %s (page %d): %w", runKey, page, err)
	}

	logRateLimit(resp, runKey+"/issues", page, len(issues))

	items := make([]model.WorkItem, 0, len(issues))
	for _, issue := range issues {
		items = append(items, mapIssue(issue, runKey).WorkItem())
	}

	next := ""
	if resp != nil && resp.NextPage != 0 {
		next = strconv.Itoa(resp.NextPage)
	}

	return items, next, nil
}

// mapIssue converts a go-github Issue to a domain model Issue.
// The issues endpoint also returns pull requests; they carry a pull_request link.
func mapIssue(i *gh.Issue, repoFullName string) model.Issue {
	return model.Issue{
		ID:            i.GetID(),
		RepoFullName:  repoFullName,
		Number:        i.GetNumber(),
		Title:         i.GetTitle(),
		Body:          i.GetBody(),
		HTMLURL:       i.GetHTMLURL(),
		State:         i.GetState(),
		IsPullRequest: i.IsPullRequest(),
		Author:        i.GetUser().GetLogin(),
		CreatedAt:     i.GetCreatedAt().Time,
		UpdatedAt:     i.GetUpdatedAt().Time,
	}
}

// logRateLimit logs the GitHub API rate limit status after each call.
func logRateLimit(resp *gh.Response, endpoint string, page, count int) {
	if resp == nil {
		return
	}

	slog.Debug("github api call",
		"endpoint", endpoint,
		"page", page,
		"count", count,
		"rate_remaining", resp.Rate.Remaining,
		"rate_limit", resp.Rate.Limit,
	)

	if resp.Rate.Remaining < 100 {
		slog.Warn("github rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset_in", time.Until(resp.Rate.Reset.Time).Round(time.Second),
		)
	}
}

// splitRepo splits a "owner/repo" string into its two components.
func splitRepo(fullName string) (string, string, error) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo name %q: expected owner/repo", fullName)
	}
	return parts[0], parts[1], nil
}
