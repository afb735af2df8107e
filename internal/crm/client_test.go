package crm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreateContactAndConversation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /contacts/", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer key-1" {
			t.Errorf("auth header = %q", got)
		}
		var body struct {
			Name         string `json:"name"`
			CustomFields []struct {
				ID         string `json:"id"`
				FieldValue string `json:"field_value"`
			} `json:"customFields"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Name != "Seller One[Ana]" {
			t.Errorf("contact name = %q", body.Name)
		}
		if len(body.CustomFields) != 1 || body.CustomFields[0].FieldValue != "thread-1" {
			t.Errorf("custom fields = %+v", body.CustomFields)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"contact": map[string]string{"id": "ct-1"}})
	})
	mux.HandleFunc("POST /conversations/", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ContactID string `json:"contactId"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.ContactID != "ct-1" {
			t.Errorf("contactId = %q", body.ContactID)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"conversation": map[string]string{"id": "cv-1"}})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL, "key-1", "cf-9")
	res, err := c.CreateContactAndConversation(context.Background(), ContactRequest{
		AccountOwner: "Seller One",
		ThreadID:     "thread-1",
		PartnerName:  "Ana",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ContactID != "ct-1" || res.ConversationID != "cv-1" {
		t.Errorf("result = %+v", res)
	}
}

func TestForwardMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ConversationID string `json:"conversationId"`
			Message        string `json:"message"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.ConversationID != "cv-1" || body.Message != "hi there" {
			t.Errorf("body = %+v", body)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "msg-42"})
	}))
	defer srv.Close()

	c := New(srv.URL, "key-1", "cf-9")
	id, err := c.ForwardMessage(context.Background(), "cv-1", "Ana", "hi there")
	if err != nil {
		t.Fatal(err)
	}
	if id != "msg-42" {
		t.Errorf("external id = %q, want msg-42", id)
	}
}

func TestForwardMessageFailureIsSyncError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(srv.URL, "key-1", "cf-9")
	_, err := c.ForwardMessage(context.Background(), "cv-1", "Ana", "hi")
	if err == nil {
		t.Fatal("want error")
	}
	var se *SyncError
	if !errors.As(err, &se) {
		t.Fatalf("err type = %T, want *SyncError", err)
	}
	if se.Op != "forward message" {
		t.Errorf("op = %q", se.Op)
	}
}
