package apksign

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrNotZip indicates the input has no end of central directory record.
	ErrNotZip = errors.New("not a zip archive")

	// ErrZip64 indicates a zip64 archive, which overlays never are.
	ErrZip64 = errors.New("zip64 archives are not supported")
)

const (
	eocdSignature = 0x06054b50
	eocdMinSize   = 22
	maxComment    = 0xffff

	blockMagic = "APK Sig Block 42"
)

// sections splits an APK into the regions covered by the signing block
// digests.
type sections struct {
	contents   []byte // local file entries, up to the signing block
	central    []byte
	eocd       []byte
	cdOffsetAt int // offset of the central directory offset field in eocd
}

func split(apk []byte) (*sections, error) {
	eocdAt := -1
	for i := len(apk) - eocdMinSize; i >= 0 && i >= len(apk)-eocdMinSize-maxComment; i-- {
		if binary.LittleEndian.Uint32(apk[i:]) != eocdSignature {
			continue
		}
		commentLen := int(binary.LittleEndian.Uint16(apk[i+20:]))
		if i+eocdMinSize+commentLen == len(apk) {
			eocdAt = i
			break
		}
	}
	if eocdAt < 0 {
		return nil, ErrNotZip
	}
	eocd := apk[eocdAt:]
	cdSize := int64(binary.LittleEndian.Uint32(eocd[12:]))
	cdOffset := int64(binary.LittleEndian.Uint32(eocd[16:]))
	if cdOffset == 0xffffffff || cdSize == 0xffffffff {
		return nil, ErrZip64
	}
	if cdOffset+cdSize != int64(eocdAt) {
		return nil, fmt.Errorf("%w: central directory does not end at EOCD", ErrNotZip)
	}

	s := &sections{
		central:    apk[cdOffset:eocdAt],
		eocd:       eocd,
		cdOffsetAt: 16,
	}
	start, err := blockStart(apk, cdOffset)
	if err != nil {
		return nil, err
	}
	s.contents = apk[:start]
	return s, nil
}

// blockStart returns where an existing signing block begins, or cdOffset when
// there is none.
func blockStart(apk []byte, cdOffset int64) (int64, error) {
	if cdOffset < 32 || !bytes.Equal(apk[cdOffset-16:cdOffset], []byte(blockMagic)) {
		return cdOffset, nil
	}
	size := int64(binary.LittleEndian.Uint64(apk[cdOffset-24:]))
	start := cdOffset - size - 8
	if size < 24 || start < 0 {
		return 0, fmt.Errorf("%w: malformed signing block", ErrNotZip)
	}
	if int64(binary.LittleEndian.Uint64(apk[start:])) != size {
		return 0, fmt.Errorf("%w: signing block sizes disagree", ErrNotZip)
	}
	return start, nil
}

// eocdWithOffset returns a copy of the EOCD record pointing at offset.
func (s *sections) eocdWithOffset(offset int64) []byte {
	out := bytes.Clone(s.eocd)
	binary.LittleEndian.PutUint32(out[s.cdOffsetAt:], uint32(offset))
	return out
}
