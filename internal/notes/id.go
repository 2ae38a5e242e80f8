package notes

import (
	"github.com/MarcoPoloResearchLab/notice/internal/outline"
	"github.com/MarcoPoloResearchLab/notice/internal/transcripts"
	"github.com/google/uuid"
)

// uuidProvider issues the time-ordered ids used for notes, bookshelves, transcript segments,
// recordings and generated outline nodes.
type uuidProvider struct{}

var (
	_ IDProvider             = (*uuidProvider)(nil)
	_ outline.IDSource       = (*uuidProvider)(nil)
	_ transcripts.IDProvider = (*uuidProvider)(nil)
)

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
