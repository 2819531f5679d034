package llm

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ItemKind discriminates the entry types a conversation can hold.
type ItemKind string

const (
	ItemMessage            ItemKind = "message"
	ItemFunctionCall       ItemKind = "function_call"
	ItemFunctionCallOutput ItemKind = "function_call_output"
)

// ChatItem is one entry in a conversation history: a message, a tool call
// issued by the assistant, or the output of such a call. Kind decides which
// field group is meaningful.
type ChatItem struct {
	ID        string
	Kind      ItemKind
	CreatedAt time.Time

	// ItemMessage
	Role        MessageRole
	Content     string
	Interrupted bool // assistant message cut short by the user

	// ItemFunctionCall and ItemFunctionCallOutput
	CallID    string
	Name      string
	Arguments string // JSON-encoded, ItemFunctionCall only
	Output    string // ItemFunctionCallOutput only
	IsError   bool   // ItemFunctionCallOutput only
}

// NewChatItemID returns a fresh unique item id.
func NewChatItemID() string {
	return "item_" + uuid.NewString()
}

// NewMessage creates a message item stamped with the current time.
func NewMessage(role MessageRole, content string) ChatItem {
	return ChatItem{
		ID:        NewChatItemID(),
		Kind:      ItemMessage,
		CreatedAt: time.Now(),
		Role:      role,
		Content:   content,
	}
}

// ChatContext is an ordered conversation history. Items are kept sorted by
// CreatedAt; equal timestamps preserve arrival order. Not safe for
// concurrent use; callers copy before sharing across goroutines.
type ChatContext struct {
	items []ChatItem
}

// NewChatContext creates an empty conversation.
func NewChatContext() *ChatContext {
	return &ChatContext{}
}

// Items returns the backing slice. Callers must not reorder it.
func (c *ChatContext) Items() []ChatItem {
	return c.items
}

// Len returns the number of items.
func (c *ChatContext) Len() int {
	return len(c.items)
}

// AddMessage appends a new message stamped now and returns it.
func (c *ChatContext) AddMessage(role MessageRole, content string) ChatItem {
	item := NewMessage(role, content)
	c.Insert(item)
	return item
}

// Insert places items into the history by CreatedAt. An item carrying a
// timestamp older than the tail lands at its chronological position, which
// is how late-arriving transcripts interleave correctly.
func (c *ChatContext) Insert(items ...ChatItem) {
	for _, item := range items {
		if item.ID == "" {
			item.ID = NewChatItemID()
		}
		if item.CreatedAt.IsZero() {
			item.CreatedAt = time.Now()
		}
		idx := sort.Search(len(c.items), func(i int) bool {
			return c.items[i].CreatedAt.After(item.CreatedAt)
		})
		c.items = append(c.items, ChatItem{})
		copy(c.items[idx+1:], c.items[idx:])
		c.items[idx] = item
	}
}

// IndexByID returns the position of the item with the given id.
func (c *ChatContext) IndexByID(id string) (int, bool) {
	for i := range c.items {
		if c.items[i].ID == id {
			return i, true
		}
	}
	return 0, false
}

// ItemByID returns the item with the given id.
func (c *ChatContext) ItemByID(id string) (ChatItem, bool) {
	if i, ok := c.IndexByID(id); ok {
		return c.items[i], true
	}
	return ChatItem{}, false
}

// UpdateItem replaces the item with the same ID, keeping its position.
func (c *ChatContext) UpdateItem(item ChatItem) bool {
	if i, ok := c.IndexByID(item.ID); ok {
		c.items[i] = item
		return true
	}
	return false
}

// CopyOption filters items during Copy.
type CopyOption func(*copyConfig)

type copyConfig struct {
	excludeFunctionCalls bool
	excludeInstructions  bool
	excludeEmpty         bool
	toolNames            map[string]bool
}

// ExcludeFunctionCalls drops function call and output items.
func ExcludeFunctionCalls() CopyOption {
	return func(cfg *copyConfig) { cfg.excludeFunctionCalls = true }
}

// ExcludeInstructions drops system messages.
func ExcludeInstructions() CopyOption {
	return func(cfg *copyConfig) { cfg.excludeInstructions = true }
}

// ExcludeEmptyMessages drops messages with no content.
func ExcludeEmptyMessages() CopyOption {
	return func(cfg *copyConfig) { cfg.excludeEmpty = true }
}

// RestrictToolNames keeps only function items for the named tools.
func RestrictToolNames(names ...string) CopyOption {
	return func(cfg *copyConfig) {
		cfg.toolNames = make(map[string]bool, len(names))
		for _, n := range names {
			cfg.toolNames[n] = true
		}
	}
}

// Copy returns an independent conversation, optionally filtered.
func (c *ChatContext) Copy(opts ...CopyOption) *ChatContext {
	var cfg copyConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	out := &ChatContext{items: make([]ChatItem, 0, len(c.items))}
	for _, item := range c.items {
		switch item.Kind {
		case ItemFunctionCall, ItemFunctionCallOutput:
			if cfg.excludeFunctionCalls {
				continue
			}
			if cfg.toolNames != nil && !cfg.toolNames[item.Name] {
				continue
			}
		case ItemMessage:
			if cfg.excludeInstructions && item.Role == RoleSystem {
				continue
			}
			if cfg.excludeEmpty && item.Content == "" {
				continue
			}
		}
		out.items = append(out.items, item)
	}
	return out
}

// Truncate keeps the most recent maxItems items plus any system messages.
// Function call chains sliced apart at the cut point are dropped so the
// history never starts with an orphaned tool item.
func (c *ChatContext) Truncate(maxItems int) {
	if maxItems <= 0 || len(c.items) <= maxItems {
		return
	}

	var system []ChatItem
	for _, item := range c.items {
		if item.Kind == ItemMessage && item.Role == RoleSystem {
			system = append(system, item)
		}
	}

	tail := c.items[len(c.items)-maxItems:]
	for len(tail) > 0 && tail[0].Kind != ItemMessage {
		tail = tail[1:]
	}

	items := make([]ChatItem, 0, len(system)+len(tail))
	items = append(items, system...)
	for _, item := range tail {
		if item.Kind == ItemMessage && item.Role == RoleSystem {
			continue
		}
		items = append(items, item)
	}
	c.items = items
}

// Messages flattens the history into plain role/content messages, skipping
// function items. Tool results become function-role messages.
func (c *ChatContext) Messages() []Message {
	out := make([]Message, 0, len(c.items))
	for _, item := range c.items {
		switch item.Kind {
		case ItemMessage:
			out = append(out, Message{Role: item.Role, Content: item.Content})
		case ItemFunctionCallOutput:
			out = append(out, Message{Role: RoleFunction, Content: item.Output, Name: item.Name})
		}
	}
	return out
}

// String summarizes the conversation for debug logging.
func (c *ChatContext) String() string {
	return fmt.Sprintf("ChatContext{items=%d}", len(c.items))
}
