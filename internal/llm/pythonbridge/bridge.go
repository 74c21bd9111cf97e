package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"

	xerrors "IntentArena/internal/errors"
	"IntentArena/internal/llm"
)

const (
	defaultInterpreter = "python3"
	maxStdout          = 1 << 20
	maxStderrTail      = 512
)

// envelope 是写入脚本 stdin 的请求格式。
type envelope struct {
	System      string        `json:"system,omitempty"`
	Messages    []llm.Message `json:"messages"`
	Temperature float64       `json:"temperature"`
	JSON        bool          `json:"json"`
}

// reply 是脚本需要写到 stdout 的唯一 JSON 对象。
type reply struct {
	Content string `json:"content"`
	Model   string `json:"model"`
	Error   string `json:"error"`
}

// Client 每次补全启动一个本地分类脚本。进程随 ctx 取消而终止，
// 所以风险闸门的超时同样约束脚本运行时间。
type Client struct {
	interpreter string
	script      string
	dir         string
	env         []string
}

// NewClient 创建客户端。interpreter 为空时使用 python3。
func NewClient(interpreter, script, dir string, env ...string) (*Client, error) {
	if strings.TrimSpace(script) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未指定分类脚本路径")
	}
	if interpreter == "" {
		interpreter = defaultInterpreter
	}
	return &Client{interpreter: interpreter, script: script, dir: dir, env: env}, nil
}

// Complete 运行脚本并解析输出。脚本可通过 {"error": "..."} 主动报告失败。
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	input, err := json.Marshal(envelope{
		System:      req.System,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		JSON:        req.JSON,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化分类请求失败")
	}

	cmd := exec.CommandContext(ctx, c.interpreter, c.script)
	cmd.Dir = c.dir
	if len(c.env) > 0 {
		cmd.Env = append(cmd.Environ(), c.env...)
	}
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedBuffer{buf: &stdout, max: maxStdout}
	cmd.Stderr = &limitedBuffer{buf: &stderr, max: maxStderrTail}

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "分类脚本超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeUnavailable, err, "执行分类脚本失败",
			xerrors.WithMetadata("stderr", strings.TrimSpace(stderr.String())))
	}

	var out reply
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &out); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnavailable, err, "解析分类脚本输出失败")
	}
	if out.Error != "" {
		return nil, xerrors.New(xerrors.CodeUnavailable, "分类脚本报告错误: "+out.Error)
	}
	if strings.TrimSpace(out.Content) == "" {
		return nil, xerrors.New(xerrors.CodeUnavailable, "分类脚本未返回内容")
	}
	return &llm.Response{Content: out.Content, Model: out.Model}, nil
}

// limitedBuffer 丢弃超过上限的输出，避免失控脚本占满内存。
type limitedBuffer struct {
	buf *bytes.Buffer
	max int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if room := l.max - l.buf.Len(); room > 0 {
		if len(p) > room {
			l.buf.Write(p[:room])
		} else {
			l.buf.Write(p)
		}
	}
	return len(p), nil
}

// ResolveScriptPath 把相对脚本路径解析到工作目录下。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" || filepath.IsAbs(script) || baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}
