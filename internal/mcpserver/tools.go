// Package mcpserver registers MCP tools that let a local agent read and
// send messages as the signed-in account.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alexjbarnes/morse/internal/codec"
	apperrors "github.com/alexjbarnes/morse/internal/errors"
	"github.com/alexjbarnes/morse/internal/store"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	defaultReadLimit = 50
	maxReadLimit     = 200
)

// Chats is the account surface the tools need. *orchestrator.Session
// implements it.
type Chats interface {
	Handle() string
	Channels() ([]store.Channel, error)
	Messages(channel string, beforeSeq uint64, limit int) ([]store.Message, error)
	MarkRead(channel string) error
	StartChat(ctx context.Context, peer string) (store.Channel, error)
	SendText(ctx context.Context, channel, body string) (store.Message, error)
}

// RegisterTools adds all messaging tools to the given MCP server.
func RegisterTools(server *mcp.Server, c Chats) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "channels_list",
		Description: "List every conversation of the signed-in account in creation order, with the last message preview and unread count.",
	}, listChannelsHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "messages_read",
		Description: "Read messages from one conversation, oldest first. Pages backwards with before_seq. Optionally marks the conversation read.",
	}, readMessagesHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "message_send",
		Description: "Send an end-to-end encrypted text message to a conversation. A handle with no conversation yet starts a one-to-one chat.",
	}, sendMessageHandler(c))
}

// --- Input types ---

// ListChannelsInput has no parameters.
type ListChannelsInput struct{}

// ReadMessagesInput holds parameters for messages_read.
type ReadMessagesInput struct {
	Channel   string `json:"channel" jsonschema:"required,conversation name: the peer handle or group name"`
	BeforeSeq uint64 `json:"before_seq,omitempty" jsonschema:"only messages older than this sequence number, 0 for the newest"`
	Limit     int    `json:"limit,omitempty" jsonschema:"maximum number of messages, defaults to 50"`
	MarkRead  bool   `json:"mark_read,omitempty" jsonschema:"mark received messages in the conversation as read"`
}

// SendMessageInput holds parameters for message_send.
type SendMessageInput struct {
	To   string `json:"to" jsonschema:"required,conversation name or peer handle"`
	Text string `json:"text" jsonschema:"required,message text"`
}

// --- Output types ---

// ChannelInfo describes one conversation.
type ChannelInfo struct {
	Name        string    `json:"name"`
	Title       string    `json:"title,omitempty"`
	Type        string    `json:"type"`
	Members     []string  `json:"members,omitempty"`
	LastMessage string    `json:"last_message,omitempty"`
	LastDate    time.Time `json:"last_date,omitzero"`
	Unread      int       `json:"unread"`
}

// ListChannelsResult is returned by channels_list.
type ListChannelsResult struct {
	Account  string        `json:"account"`
	Channels []ChannelInfo `json:"channels"`
}

// MessageInfo describes one message.
type MessageInfo struct {
	ID       string    `json:"id"`
	Seq      uint64    `json:"seq"`
	Author   string    `json:"author"`
	Incoming bool      `json:"incoming"`
	Date     time.Time `json:"date"`
	Status   string    `json:"status"`
	Type     string    `json:"type"`
	Text     string    `json:"text"`
}

// ReadMessagesResult is returned by messages_read.
type ReadMessagesResult struct {
	Channel  string        `json:"channel"`
	Messages []MessageInfo `json:"messages"`
}

// --- Handlers ---

func listChannelsHandler(c Chats) mcp.ToolHandlerFor[ListChannelsInput, *ListChannelsResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ ListChannelsInput) (*mcp.CallToolResult, *ListChannelsResult, error) {
		channels, err := c.Channels()
		if err != nil {
			return nil, nil, err
		}

		result := &ListChannelsResult{Account: c.Handle(), Channels: make([]ChannelInfo, 0, len(channels))}
		for _, ch := range channels {
			result.Channels = append(result.Channels, ChannelInfo{
				Name:        ch.Name,
				Title:       ch.Title,
				Type:        string(ch.Type),
				Members:     ch.Members,
				LastMessage: ch.LastMessageBody,
				LastDate:    ch.LastMessageDate,
				Unread:      ch.UnreadCount,
			})
		}
		return textResult(result), result, nil
	}
}

func readMessagesHandler(c Chats) mcp.ToolHandlerFor[ReadMessagesInput, *ReadMessagesResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ReadMessagesInput) (*mcp.CallToolResult, *ReadMessagesResult, error) {
		if input.Channel == "" {
			return nil, nil, fmt.Errorf("channel is required")
		}

		limit := input.Limit
		if limit <= 0 {
			limit = defaultReadLimit
		}
		limit = min(limit, maxReadLimit)

		msgs, err := c.Messages(input.Channel, input.BeforeSeq, limit)
		if err != nil {
			return nil, nil, err
		}

		if input.MarkRead {
			if err := c.MarkRead(input.Channel); err != nil {
				return nil, nil, err
			}
		}

		result := &ReadMessagesResult{Channel: input.Channel, Messages: make([]MessageInfo, 0, len(msgs))}
		for _, m := range msgs {
			result.Messages = append(result.Messages, messageInfo(m))
		}
		return textResult(result), result, nil
	}
}

func sendMessageHandler(c Chats) mcp.ToolHandlerFor[SendMessageInput, *MessageInfo] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SendMessageInput) (*mcp.CallToolResult, *MessageInfo, error) {
		if input.To == "" || input.Text == "" {
			return nil, nil, fmt.Errorf("to and text are required")
		}

		m, err := c.SendText(ctx, input.To, input.Text)
		if errors.Is(err, apperrors.ErrNotFound) {
			ch, serr := c.StartChat(ctx, input.To)
			if serr != nil {
				return nil, nil, serr
			}
			m, err = c.SendText(ctx, ch.Name, input.Text)
		}
		if err != nil {
			return nil, nil, err
		}

		result := messageInfo(m)
		return textResult(result), &result, nil
	}
}

func messageInfo(m store.Message) MessageInfo {
	info := MessageInfo{
		ID:       m.ID,
		Seq:      m.Seq,
		Author:   m.Author,
		Incoming: m.Incoming,
		Date:     m.Date,
		Status:   string(m.Status),
	}
	if m.Content != nil {
		info.Type = string(m.Content.Type())
		info.Text = codec.Preview(m.Content)
	}
	return info
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
