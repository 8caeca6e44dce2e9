package agents

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"agent-runs/internal/shared/model"
)

// HTTPAgent 通过 HTTP 对接上游执行引擎的 Agent
//
// 将 Run 的入参快照 POST 到上游端点，上游以 NDJSON 逐行返回数据块。
// 响应体按行切分后交给调用方解码，连接生命周期跟随 Stream 的 ctx。
type HTTPAgent struct {
	endpoint string
	client   *http.Client
}

// NewHTTPAgent 创建 HTTP Agent
func NewHTTPAgent(endpoint string) *HTTPAgent {
	return &HTTPAgent{
		endpoint: endpoint,
		client: &http.Client{
			// 不设总超时：执行流是长连接，由 ctx 控制生命周期
			Transport: &http.Transport{
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
	}
}

// Stream 发起上游执行并返回分片流
func (a *HTTPAgent) Stream(ctx context.Context, run *model.Run) (ChunkStream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(run.InputPayload))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call upstream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("upstream returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	return &httpStream{body: resp.Body, reader: bufio.NewReader(resp.Body)}, nil
}

type httpStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
}

func (s *httpStream) Next(ctx context.Context) ([]byte, error) {
	line, err := s.reader.ReadBytes('\n')
	if len(line) > 0 {
		// 最后一行可能没有换行符，仍然作为完整分片返回
		return line, nil
	}
	if err == nil {
		err = io.EOF
	}
	return nil, err
}

func (s *httpStream) Close() error {
	return s.body.Close()
}

var _ Agent = (*HTTPAgent)(nil)

// RegisterHTTPAgents 按 "id=url,id=url" 格式注册一组 HTTP Agent
//
// 供进程入口从环境变量装配上游执行引擎。空串为 no-op。
func RegisterHTTPAgents(r *Registry, spec string) error {
	if spec == "" {
		return nil
	}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, endpoint, ok := strings.Cut(entry, "=")
		if !ok || id == "" || endpoint == "" {
			return fmt.Errorf("invalid agent endpoint entry %q (want id=url)", entry)
		}
		r.Register(id, NewHTTPAgent(endpoint))
	}
	return nil
}
