package pipeline

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/andresmejia3/facetrace/internal/types"
	"github.com/andresmejia3/facetrace/internal/utils"
)

// LoadReference reads and decodes the reference photo. Anything that is not a
// decodable JPEG or PNG is an invalid reference.
func LoadReference(path string) (*types.Reference, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReferenceFace, err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidReferenceFace, path, err)
	}
	return &types.Reference{
		Path:  path,
		ID:    utils.HashBytes(data),
		Data:  data,
		Image: img,
	}, nil
}
