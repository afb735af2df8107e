package store

// Account login statuses.
const (
	LoginPending = "pending"
	LoginActive  = "active"
	LoginError   = "error"
)

// Error detail types routed by the recovery watcher.
const (
	DetailChatList     = "chatlist"
	DetailSingleChat   = "singleChat"
	DetailInitialSetup = "initialSetup"
)

// ErrorDetails is the typed detail payload attached to a failed account,
// used to route targeted recovery instead of generic retry.
type ErrorDetails struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

// Account represents an automation account whose chats are mirrored.
type Account struct {
	ID                     int64
	Name                   string
	OwnerID                string
	ProxyURL               string
	SessionBlob            []byte
	LoginStatus            string
	LastError              string
	ErrorDetails           *ErrorDetails
	ResolveErrorRetryCount int
	InitialSetupStatus     bool
}

// Terminal reports whether the account sits in an error state that automatic
// recovery will no longer retry: the status is error but the typed detail
// payload has been cleared.
func (a *Account) Terminal() bool {
	return a.LoginStatus == LoginError && a.ErrorDetails == nil
}

// ChatThread is one directory entry for an account. The set is replaced
// wholesale on every directory refresh.
type ChatThread struct {
	AccountID   int64
	URL         string
	PartnerName string
	Unread      bool
}

// Conversation is created lazily the first time a thread is synchronized.
type Conversation struct {
	ID                  int64
	ChatURL             string
	AccountID           int64
	PartnerName         string
	CRMContactID        string
	CRMConversationID   string
	InitialScrapeStatus bool
}

// Message is one synced chat message. (ConversationID, MessageIndex) is
// unique; the index is the resume cursor.
type Message struct {
	ID             int64
	ConversationID int64
	Sender         string
	Text           string
	Timestamp      int64
	MessageIndex   int
	CRMMessageID   string
}
