package document

import (
	"fmt"

	"github.com/google/uuid"
)

// ValidationRequest is a single document submission.
type ValidationRequest struct {
	ID       uuid.UUID
	Images   map[ImageRole][]byte
	RawItems map[RawDataSource]string
}

// NewRequest validates and copies the submission inputs. A nil id is replaced
// with a freshly generated one.
func NewRequest(id uuid.UUID, images map[ImageRole][]byte, raw map[RawDataSource]string) (*ValidationRequest, error) {
	if id == uuid.Nil {
		id = uuid.New()
	}
	req := &ValidationRequest{
		ID:       id,
		Images:   make(map[ImageRole][]byte, len(images)),
		RawItems: make(map[RawDataSource]string, len(raw)),
	}
	for role, data := range images {
		if !role.Valid() {
			return nil, NewInputError(id, fmt.Errorf("unknown image role %q", role))
		}
		if len(data) == 0 {
			return nil, NewInputError(id, fmt.Errorf("image %s is empty", role))
		}
		req.Images[role] = append([]byte(nil), data...)
	}
	for source, value := range raw {
		if !source.Valid() {
			return nil, NewInputError(id, fmt.Errorf("unknown raw data source %q", source))
		}
		if value == "" {
			return nil, NewInputError(id, fmt.Errorf("raw data for %s is empty", source))
		}
		req.RawItems[source] = value
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// Validate checks the invariants of a request that may have been built by hand.
func (r *ValidationRequest) Validate() error {
	if r == nil {
		return NewInputError(uuid.Nil, fmt.Errorf("request is nil"))
	}
	images, raw := 0, 0
	for role, data := range r.Images {
		if !role.Valid() {
			return NewInputError(r.ID, fmt.Errorf("unknown image role %q", role))
		}
		if len(data) > 0 {
			images++
		}
	}
	for source, value := range r.RawItems {
		if !source.Valid() {
			return NewInputError(r.ID, fmt.Errorf("unknown raw data source %q", source))
		}
		if value != "" {
			raw++
		}
	}
	if images == 0 && raw == 0 {
		return NewInputError(r.ID, fmt.Errorf("request has no images and no raw data"))
	}
	return nil
}

// ImageRolesPresent returns the roles carrying data in stable order.
func (r *ValidationRequest) ImageRolesPresent() []ImageRole {
	roles := make([]ImageRole, 0, len(r.Images))
	for _, role := range ImageRoles {
		if len(r.Images[role]) > 0 {
			roles = append(roles, role)
		}
	}
	return roles
}

// RawSourcesPresent returns the raw sources carrying data in stable order.
func (r *ValidationRequest) RawSourcesPresent() []RawDataSource {
	sources := make([]RawDataSource, 0, len(r.RawItems))
	for _, source := range RawDataSources {
		if r.RawItems[source] != "" {
			sources = append(sources, source)
		}
	}
	return sources
}
