package domain

import (
	"time"

	"github.com/google/uuid"
)

// UserRef is the minimal user shape carried on a GroupMessageDto.
type UserRef struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// GroupMessageDto is the wire shape published to the bus and delivered to
// clients (spec.md §6).
type GroupMessageDto struct {
	ID        uuid.UUID   `json:"id"`
	ChannelID uuid.UUID   `json:"channelId"`
	From      *UserRef    `json:"from,omitempty"`
	Kind      MessageKind `json:"kind"`
	Payload   string      `json:"payload"`
	CreatedAt time.Time   `json:"createdAt"`
}

// NewGroupMessageDto builds the wire DTO from a domain message.
func NewGroupMessageDto(msg *GroupMessage) GroupMessageDto {
	dto := GroupMessageDto{
		ID:        msg.ID,
		ChannelID: msg.ChannelID,
		Kind:      msg.Kind,
		Payload:   msg.Payload,
		CreatedAt: msg.CreatedAt,
	}
	if msg.FromUser != nil {
		dto.From = &UserRef{ID: msg.FromUser.ID, Name: msg.FromUser.Username}
	}
	return dto
}

// GroupChannelProfile is the read-facing view of a channel returned by the
// Channel Service's query operations.
type GroupChannelProfile struct {
	ID        uuid.UUID   `json:"id"`
	Name      string      `json:"name"`
	Members   []UserRef   `json:"members"`
	Invited   []UserRef   `json:"invited"`
	UpdatedAt time.Time   `json:"updatedAt"`
	Version   int64       `json:"version"`
}

// NewGroupChannelProfile builds the read-facing profile from a domain channel.
func NewGroupChannelProfile(c *GroupChannel) GroupChannelProfile {
	profile := GroupChannelProfile{
		ID:        c.ID,
		Name:      c.Name,
		UpdatedAt: c.UpdatedAt,
		Version:   c.Version,
	}
	for _, u := range c.Members {
		profile.Members = append(profile.Members, UserRef{ID: u.ID, Name: u.Username})
	}
	for _, u := range c.Invited {
		profile.Invited = append(profile.Invited, UserRef{ID: u.ID, Name: u.Username})
	}
	return profile
}

// PageRequest is the caller-supplied pagination input (spec.md §6): page
// must be >= 0, size must be >= 1, and Since filters out channels that
// haven't been touched since that instant. A zero Since matches everything.
type PageRequest struct {
	Page  int
	Size  int
	Since time.Time
}

// Validate checks the page request bounds, mirroring PageRequestValidator.
func (p PageRequest) Validate() error {
	if p.Page < 0 {
		return ValidationErrorf("page must be >= 0")
	}
	if p.Size < 1 {
		return ValidationErrorf("size must be >= 1")
	}
	return nil
}

// Slice is a page of results without a total count (spec.md GLOSSARY).
type Slice[T any] struct {
	CurrentPage int  `json:"currentPage"`
	PageSize    int  `json:"pageSize"`
	HasNext     bool `json:"hasNext"`
	Items       []T  `json:"items"`
}
