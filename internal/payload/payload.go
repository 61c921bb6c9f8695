// Package payload holds the image injected into host processes. The image
// ships as a CBOR bundle embedded in the binary and is decoded once; an
// on-disk bundle may replace it at startup.
package payload

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// BundleVersion is the only bundle layout this build understands.
const BundleVersion = 1

//go:embed payload.cbor
var embeddedBundle []byte

var (
	ErrEmptyImage         = errors.New("payload: image is empty")
	ErrUnsupportedVersion = errors.New("payload: unsupported bundle version")
	ErrEntryOutOfRange    = errors.New("payload: entry offset outside image")
)

// Image is position-independent payload code plus the offset of its entry
// routine. The entry receives a pointer to the parameter block written
// after the image.
type Image struct {
	Version     int    `cbor:"version"`
	Arch        string `cbor:"arch"`
	EntryOffset uint64 `cbor:"entry_offset"`
	Code        []byte `cbor:"image"`
}

// Size is the number of bytes the image occupies in the target.
func (img Image) Size() int { return len(img.Code) }

// MatchesHost reports whether the image targets the running architecture.
func (img Image) MatchesHost() bool {
	return img.Arch == "" || strings.EqualFold(img.Arch, runtime.GOARCH)
}

func (img Image) Validate() error {
	if img.Version != BundleVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, img.Version)
	}
	if len(img.Code) == 0 {
		return ErrEmptyImage
	}
	if img.EntryOffset >= uint64(len(img.Code)) {
		return fmt.Errorf("%w: entry=%d size=%d", ErrEntryOutOfRange, img.EntryOffset, len(img.Code))
	}
	return nil
}

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("payload: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Marshal encodes img as a canonical bundle.
func Marshal(img Image) ([]byte, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	return encMode.Marshal(img)
}

// Decode parses and validates a bundle.
func Decode(data []byte) (Image, error) {
	var img Image
	if err := cbor.Unmarshal(data, &img); err != nil {
		return Image{}, fmt.Errorf("payload: unmarshal bundle: %w", err)
	}
	if err := img.Validate(); err != nil {
		return Image{}, err
	}
	return img, nil
}

var embedded = sync.OnceValues(func() (Image, error) {
	return Decode(embeddedBundle)
})

// Embedded returns the bundle compiled into the binary.
func Embedded() (Image, error) {
	return embedded()
}

// Load returns the bundle at path, or the embedded bundle when path is empty.
func Load(path string) (Image, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Embedded()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Image{}, fmt.Errorf("payload: read %s: %w", path, err)
	}
	return Decode(data)
}
