package graph

import (
	"encoding/json"
	"slices"
	"time"
)

// Data is the typed payload of an object.
type Data interface {
	Clone() Data
}

type Conversation struct {
	Name         string `json:"name,omitempty"`
	Type         string `json:"type,omitempty"`
	TeamID       string `json:"team_id,omitempty"`
	Participants []ID   `json:"participants,omitempty"`
}

func (c *Conversation) Clone() Data {
	cp := *c
	cp.Participants = slices.Clone(c.Participants)
	return &cp
}

// HasParticipant reports whether user is a member.
func (c *Conversation) HasParticipant(user ID) bool {
	return slices.Contains(c.Participants, user)
}

type User struct {
	Name      string `json:"name,omitempty"`
	Handle    string `json:"handle,omitempty"`
	TeamID    string `json:"team_id,omitempty"`
	IsSelf    bool   `json:"is_self,omitempty"`
	LegalHold string `json:"legal_hold,omitempty"`
	Clients   []ID   `json:"clients,omitempty"`
	// ClientsNeedUpdate requests a refresh of the user's device list.
	ClientsNeedUpdate bool `json:"clients_need_update,omitempty"`
}

func (u *User) Clone() Data {
	cp := *u
	cp.Clients = slices.Clone(u.Clients)
	return &cp
}

// PushToken is a device push token registered with the backend.
type PushToken struct {
	Token             string `json:"token"`
	AppID             string `json:"app"`
	Transport         string `json:"transport"`
	Registered        bool   `json:"registered,omitempty"`
	MarkedForDeletion bool   `json:"marked_for_deletion,omitempty"`
	MarkedForDownload bool   `json:"marked_for_download,omitempty"`
}

// Client is a cryptographic endpoint of a user. The remote ID of the
// object is the client identifier; lookups are keyed by (UserID, client).
type Client struct {
	UserID        string `json:"user_id"`
	User          ID     `json:"user"`
	IsSelf        bool   `json:"is_self,omitempty"`
	Label         string `json:"label,omitempty"`
	HasSession    bool   `json:"has_session,omitempty"`
	FailedSession bool   `json:"failed_session,omitempty"`

	// Missing holds the devices the self client owes a session to.
	Missing IDSet `json:"missing,omitempty"`
	// BlockedMessages holds messages waiting for a session with this device.
	BlockedMessages IDSet `json:"blocked_messages,omitempty"`

	PushToken       *PushToken `json:"push_token,omitempty"`
	LegacyPushToken *PushToken `json:"legacy_push_token,omitempty"`
}

func (c *Client) Clone() Data {
	cp := *c
	cp.Missing = c.Missing.Clone()
	cp.BlockedMessages = c.BlockedMessages.Clone()
	if c.PushToken != nil {
		t := *c.PushToken
		cp.PushToken = &t
	}
	if c.LegacyPushToken != nil {
		t := *c.LegacyPushToken
		cp.LegacyPushToken = &t
	}
	return &cp
}

// DeliveryState of an outbound message.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// AssetStep is the next upload step of an asset message.
type AssetStep int

const (
	AssetPlaceholder AssetStep = iota
	AssetThumbnail
	AssetFull
	AssetUploaded
)

func (s AssetStep) String() string {
	switch s {
	case AssetPlaceholder:
		return "placeholder"
	case AssetThumbnail:
		return "thumbnail"
	case AssetFull:
		return "full"
	case AssetUploaded:
		return "uploaded"
	}
	return "unknown"
}

type Asset struct {
	Name         string    `json:"name"`
	MimeType     string    `json:"mime_type"`
	Size         int64     `json:"size"`
	HasThumbnail bool      `json:"has_thumbnail,omitempty"`
	Step         AssetStep `json:"step"`
	Key          string    `json:"key,omitempty"`
}

type Message struct {
	Conversation ID            `json:"conversation"`
	Sender       ID            `json:"sender,omitempty"`
	Nonce        string        `json:"nonce"`
	Text         string        `json:"text,omitempty"`
	State        DeliveryState `json:"state"`
	CreatedAt    time.Time     `json:"created_at"`
	Asset        *Asset        `json:"asset,omitempty"`

	// MissingRecipients are devices the message waits on before sending.
	MissingRecipients IDSet `json:"missing_recipients,omitempty"`
	// FailedRecipients are devices the message could not be delivered to.
	FailedRecipients IDSet `json:"failed_recipients,omitempty"`
}

func (m *Message) Clone() Data {
	cp := *m
	cp.MissingRecipients = m.MissingRecipients.Clone()
	cp.FailedRecipients = m.FailedRecipients.Clone()
	if m.Asset != nil {
		a := *m.Asset
		cp.Asset = &a
	}
	return &cp
}

type Connection struct {
	To           ID     `json:"to"`
	ToUserID     string `json:"to_user_id"`
	Status       string `json:"status"`
	Conversation string `json:"conversation,omitempty"`
}

func (c *Connection) Clone() Data {
	cp := *c
	return &cp
}

// Feature is a team feature config. The remote ID is the feature name.
type Feature struct {
	Status string          `json:"status"`
	Config json.RawMessage `json:"config,omitempty"`
}

func (f *Feature) Clone() Data {
	cp := *f
	cp.Config = slices.Clone(f.Config)
	return &cp
}

// NewData returns an empty payload for the entity.
func NewData(e Entity) Data {
	switch e {
	case EntityConversation:
		return &Conversation{}
	case EntityUser:
		return &User{}
	case EntityClient:
		return &Client{}
	case EntityMessage:
		return &Message{}
	case EntityConnection:
		return &Connection{}
	case EntityFeature:
		return &Feature{}
	}
	return nil
}
