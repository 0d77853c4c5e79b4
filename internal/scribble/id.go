package scribble

import "github.com/google/uuid"

// SIDProvider mints new scribble identifiers.
type SIDProvider interface {
	NewSID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs a SIDProvider issuing UUIDv7 identifiers, which
// are time-ordered and therefore sortable by creation.
func NewUUIDProvider() SIDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewSID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
