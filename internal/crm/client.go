// Package crm forwards mirrored conversations to the downstream CRM.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const DefaultTimeout = 30 * time.Second

// SyncError wraps a failed CRM call. Forwarding failures never abort
// persistence: messages already stored stay stored and the account is marked
// for targeted recovery instead.
type SyncError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *SyncError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("crm %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("crm %s: %v", e.Op, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Client is the CRM API client.
type Client struct {
	BaseURL       string
	APIKey        string
	CustomFieldID string
	HTTP          *http.Client
}

// New creates a CRM client with the default timeout.
func New(baseURL, apiKey, customFieldID string) *Client {
	return &Client{
		BaseURL:       baseURL,
		APIKey:        apiKey,
		CustomFieldID: customFieldID,
		HTTP:          &http.Client{Timeout: DefaultTimeout},
	}
}

// ContactRequest identifies a chat partner to the CRM. The thread id lands in
// a custom field so later syncs can correlate the same thread.
type ContactRequest struct {
	AccountOwner string
	ThreadID     string
	PartnerName  string
}

// ContactResult holds the ids minted by the CRM.
type ContactResult struct {
	ContactID      string
	ConversationID string
}

// CreateContactAndConversation creates the CRM contact for a chat partner and
// opens a conversation under it.
func (c *Client) CreateContactAndConversation(ctx context.Context, req ContactRequest) (ContactResult, error) {
	var contact struct {
		Contact struct {
			ID string `json:"id"`
		} `json:"contact"`
	}
	body := map[string]any{
		"firstName": req.AccountOwner,
		"lastName":  req.PartnerName,
		"name":      fmt.Sprintf("%s[%s]", req.AccountOwner, req.PartnerName),
		"source":    "public api",
		"tags":      []string{"marketplace-sync"},
		"customFields": []map[string]string{
			{"id": c.CustomFieldID, "field_value": req.ThreadID},
		},
	}
	if err := c.do(ctx, http.MethodPost, "/contacts/", body, &contact); err != nil {
		return ContactResult{}, &SyncError{Op: "create contact", Err: err}
	}

	var conv struct {
		Conversation struct {
			ID string `json:"id"`
		} `json:"conversation"`
	}
	body = map[string]any{
		"contactId": contact.Contact.ID,
	}
	if err := c.do(ctx, http.MethodPost, "/conversations/", body, &conv); err != nil {
		return ContactResult{}, &SyncError{Op: "create conversation", Err: err}
	}

	return ContactResult{
		ContactID:      contact.Contact.ID,
		ConversationID: conv.Conversation.ID,
	}, nil
}

// ForwardMessage posts one synced message into a CRM conversation and returns
// the external message id.
func (c *Client) ForwardMessage(ctx context.Context, crmConversationID, sender, text string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	body := map[string]any{
		"conversationId": crmConversationID,
		"type":           "SMS",
		"message":        text,
		"sender":         sender,
	}
	if err := c.do(ctx, http.MethodPost, "/conversations/messages", body, &resp); err != nil {
		return "", &SyncError{Op: "forward message", Err: err}
	}
	return resp.ID, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, snippet)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
