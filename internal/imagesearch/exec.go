package imagesearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/mattn/go-shellwords"
)

// ExecProvider runs an external search command per lookup. The command reads
// {"keyword","max_results","safe_mode"} on stdin and prints {"urls":[...]}.
type ExecProvider struct {
	cmd      []string
	safeMode string
}

type execRequest struct {
	Keyword    string `json:"keyword"`
	MaxResults int    `json:"max_results"`
	SafeMode   string `json:"safe_mode,omitempty"`
}

func NewExecProvider(command, safeMode string) (*ExecProvider, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse search command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("search command empty")
	}
	return &ExecProvider{cmd: args, safeMode: safeMode}, nil
}

func (p *ExecProvider) Search(ctx context.Context, keyword string, maxResults int) ([]string, error) {
	input, err := json.Marshal(execRequest{Keyword: keyword, MaxResults: maxResults, SafeMode: p.safeMode})
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, p.cmd[0], p.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("search exec command failed: %w", err)
	}

	var resp searchResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return nil, fmt.Errorf("decode search exec response: %w", err)
	}
	return limit(resp.URLs, maxResults), nil
}
