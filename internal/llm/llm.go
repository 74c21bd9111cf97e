package llm

import "context"

// Message 是一条对话消息。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request 描述一次补全请求。
type Request struct {
	System      string
	Messages    []Message
	Temperature float64
	// JSON 要求模型只输出一个 JSON 对象。
	JSON bool
}

// Response 是模型返回的文本内容。
type Response struct {
	Content string
	Model   string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc 允许普通函数充当 Client。
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Complete 实现 Client。
func (f ClientFunc) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
