package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/guardant/guardant/pkg/types"
)

const githubAPIBase = "https://api.github.com"

// GitHubProber checks repository availability through the GitHub API. The
// target is "owner/repo"; a 2xx answer is up. Stars, forks and open issues
// are captured as details.
type GitHubProber struct {
	client  *http.Client
	apiBase string
}

// NewGitHubProber creates a GitHub prober against the public API.
func NewGitHubProber() *GitHubProber {
	return &GitHubProber{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:    16,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		apiBase: githubAPIBase,
	}
}

func (g *GitHubProber) Type() types.ServiceType {
	return types.ServiceTypeGitHub
}

func (g *GitHubProber) Probe(ctx context.Context, cmd *types.ProbeCommand) Outcome {
	apiBase := cfgString(cmd.Service.TypeConfig, "apiBase", g.apiBase)
	url := fmt.Sprintf("%s/repos/%s", apiBase, cmd.Service.Target)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Outcome{
			Status:     types.StatusDown,
			Message:    fmt.Sprintf("invalid repository target: %v", err),
			ErrorClass: types.ErrClassValidation,
		}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/vnd.github+json")
	if token := cfgString(cmd.Service.TypeConfig, "token", os.Getenv("GITHUB_TOKEN")); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return downFrom(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Outcome{
			Status:     types.StatusDown,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("GitHub API returned %d", resp.StatusCode),
			ErrorClass: types.ErrClassHTTPStatus,
		}
	}

	var repo struct {
		Stars      int `json:"stargazers_count"`
		Forks      int `json:"forks_count"`
		OpenIssues int `json:"open_issues_count"`
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err == nil {
		_ = json.Unmarshal(body, &repo)
	}

	return Outcome{
		Status:     types.StatusUp,
		StatusCode: resp.StatusCode,
		Details: map[string]any{
			"stars":      repo.Stars,
			"forks":      repo.Forks,
			"openIssues": repo.OpenIssues,
		},
	}
}
